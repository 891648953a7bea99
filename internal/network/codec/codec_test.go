package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	c := New(Options{})

	frame, err := c.Encode("user_online", map[string]string{"id": "u1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"user_online","data":{"id":"u1"}}`, string(frame))

	frame, err = c.Encode("heartbeat", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"heartbeat"}`, string(frame))

	_, err = c.Encode("", nil)
	assert.ErrorIs(t, err, ErrEmptyEvent)
}

func TestDecode(t *testing.T) {
	c := New(Options{})

	env, err := c.Decode([]byte(`{"event":"send_message","data":{"conversationId":"c1","content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "send_message", env.Event)
	assert.JSONEq(t, `{"conversationId":"c1","content":"hi"}`, string(env.Data))

	_, err = c.Decode([]byte(`{"event":"x","data":{},"extra":true}`))
	assert.Error(t, err)

	_, err = c.Decode([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrEmptyEvent)

	_, err = c.Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = c.Decode([]byte("  "))
	assert.Error(t, err)
}
