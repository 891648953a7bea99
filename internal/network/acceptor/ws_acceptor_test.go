package acceptor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-relay-go/internal/json"
	network "github.com/lk2023060901/chat-relay-go/internal/network"
	"github.com/lk2023060901/chat-relay-go/internal/network/codec"
	"github.com/lk2023060901/chat-relay-go/internal/network/connector"
	"github.com/lk2023060901/chat-relay-go/internal/network/session"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

type echoHandler struct {
	mu     sync.Mutex
	errors []network.Stage
	closed chan string
}

func newEchoHandler() *echoHandler {
	return &echoHandler{closed: make(chan string, 8)}
}

func (h *echoHandler) OnConnected(sess session.Session) error {
	return sess.Send("welcome", map[string]string{"principal": sess.Principal().(string)})
}

func (h *echoHandler) OnMessage(sess session.Session, env codec.Envelope) {
	_ = sess.SendFrame(mustEncode(env))
}

func (h *echoHandler) OnClosed(sess session.Session, _ error) {
	h.closed <- sess.ID()
}

func (h *echoHandler) OnError(_ session.Session, stage network.Stage, _ error) {
	h.mu.Lock()
	h.errors = append(h.errors, stage)
	h.mu.Unlock()
}

func (h *echoHandler) stages() []network.Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]network.Stage(nil), h.errors...)
}

func mustEncode(env codec.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return data
}

func queryHandshake(r *http.Request) (any, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return nil, merr.ErrAuthTokenRequired
	}
	if token == "down" {
		return nil, merr.WrapErrAuthFailed(io.ErrUnexpectedEOF)
	}
	return token, nil
}

func newTestServer(t *testing.T, h AcceptorHandler) (*WSAcceptor, *httptest.Server) {
	a, err := NewWSAcceptor(Config{Subprotocols: []string{"chat.v1"}}, HandshakeFunc(queryHandshake), h)
	require.NoError(t, err)
	srv := httptest.NewServer(a.mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func recvEvent(t *testing.T, conn connector.ClientConn, event string) codec.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-conn.Recv():
			require.True(t, ok, "connection closed while waiting for %s", event)
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestNewWSAcceptorRequiresCollaborators(t *testing.T) {
	_, err := NewWSAcceptor(Config{}, nil, newEchoHandler())
	assert.Error(t, err)
	_, err = NewWSAcceptor(Config{}, HandshakeFunc(queryHandshake), nil)
	assert.Error(t, err)
}

func TestRefusedBeforeUpgrade(t *testing.T) {
	h := newEchoHandler()
	_, srv := newTestServer(t, h)
	dialer := connector.NewWSConnector(connector.Config{}, nil)

	cases := []struct {
		query  string
		status int
		reason string
	}{
		{"", http.StatusUnauthorized, "Authentication token required"},
		{"?token=down", http.StatusServiceUnavailable, "Authentication failed"},
	}
	for _, tc := range cases {
		conn, resp, err := dialer.Dial(context.Background(), wsURL(srv, tc.query), nil)
		require.Error(t, err)
		require.Nil(t, conn)
		require.NotNil(t, resp)
		assert.Equal(t, tc.status, resp.StatusCode)

		var body refusal
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, tc.reason, body.Error)
	}
	assert.Contains(t, h.stages(), network.StageHandshake)
}

func TestEchoAndSubprotocol(t *testing.T) {
	h := newEchoHandler()
	a, srv := newTestServer(t, h)
	dialer := connector.NewWSConnector(connector.Config{Subprotocols: []string{"chat.v1"}}, nil)

	conn, _, err := dialer.Dial(context.Background(), wsURL(srv, "?token=alice"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "chat.v1", conn.Subprotocol())

	welcome := recvEvent(t, conn, "welcome")
	assert.JSONEq(t, `{"principal":"alice"}`, string(welcome.Data))

	require.NoError(t, conn.Send("ping", map[string]int{"n": 1}))
	echoed := recvEvent(t, conn, "ping")
	assert.JSONEq(t, `{"n":1}`, string(echoed.Data))

	require.Eventually(t, func() bool { return len(a.Sessions()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newEchoHandler()
	_, srv := newTestServer(t, h)
	dialer := connector.NewWSConnector(connector.Config{}, nil)

	conn, _, err := dialer.Dial(context.Background(), wsURL(srv, "?token=bob"), nil)
	require.NoError(t, err)
	defer conn.Close()
	recvEvent(t, conn, "welcome")

	require.NoError(t, conn.SendRaw([]byte("not json")))
	require.NoError(t, conn.Send("still_here", nil))
	recvEvent(t, conn, "still_here")
	assert.Contains(t, h.stages(), network.StageDecode)
}

func TestClientCloseTriggersOnClosed(t *testing.T) {
	h := newEchoHandler()
	a, srv := newTestServer(t, h)
	dialer := connector.NewWSConnector(connector.Config{}, nil)

	conn, _, err := dialer.Dial(context.Background(), wsURL(srv, "?token=carol"), nil)
	require.NoError(t, err)
	recvEvent(t, conn, "welcome")
	require.NoError(t, conn.Close())

	select {
	case <-h.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("OnClosed not called")
	}
	require.Eventually(t, func() bool { return len(a.Sessions()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestShutdownAndCloseSessions(t *testing.T) {
	h := newEchoHandler()
	a, srv := newTestServer(t, h)
	dialer := connector.NewWSConnector(connector.Config{}, nil)

	conn, _, err := dialer.Dial(context.Background(), wsURL(srv, "?token=dave"), nil)
	require.NoError(t, err)
	defer conn.Close()
	recvEvent(t, conn, "welcome")

	require.NoError(t, a.Shutdown(context.Background()))
	_, resp, err := dialer.Dial(context.Background(), wsURL(srv, "?token=erin"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, a.CloseSessions(ctx))
	assert.Empty(t, a.Sessions())

	select {
	case _, ok := <-conn.Recv():
		for ok {
			_, ok = <-conn.Recv()
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client not closed")
	}
}
