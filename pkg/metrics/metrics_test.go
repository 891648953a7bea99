package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndServe(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)
	assert.Equal(t, prometheus.Registerer(registry), GetRegisterer())

	HandshakeRefusals.WithLabelValues("JWT token expired").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(HandshakeRefusals.WithLabelValues("JWT token expired")))

	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_connection_handshake_refusals_total")
}

func TestLabels(t *testing.T) {
	assert.Equal(t, SuccessLabel, ResultLabel(nil))
	assert.Equal(t, FailLabel, ResultLabel(errors.New("x")))
	assert.Equal(t, OnlineLabel, StateLabel(true))
	assert.Equal(t, OfflineLabel, StateLabel(false))
}
