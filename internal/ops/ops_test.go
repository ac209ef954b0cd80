package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/health"
)

type failingChecker struct{}

func (failingChecker) Name() string { return "database" }
func (failingChecker) Check(context.Context) health.CheckResult {
	return health.CheckResult{Status: health.StatusUnhealthy, Error: "down"}
}

func TestHealthz(t *testing.T) {
	s := &Server{Addr: ":0", WorkerID: "host-1-video_proxy-ab12", Log: zerolog.Nop()}
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body health.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Equal(t, "host-1-video_proxy-ab12", body.WorkerID)
}

func TestHealthzReportsUnhealthyChecks(t *testing.T) {
	m := health.NewManager("w1", "dev")
	m.Register(failingChecker{})
	s := &Server{Addr: ":0", WorkerID: "w1", Log: zerolog.Nop(), Health: m}
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := &Server{Addr: ":0", Log: zerolog.Nop()}
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
