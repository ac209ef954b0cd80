package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticChecker struct {
	name   string
	result CheckResult
}

func (c staticChecker) Name() string                      { return c.name }
func (c staticChecker) Check(context.Context) CheckResult { return c.result }

func TestEvaluateAggregates(t *testing.T) {
	m := NewManager("w1", "dev")
	m.Register(staticChecker{name: "a", result: CheckResult{Status: StatusHealthy}})
	m.Register(staticChecker{name: "b", result: CheckResult{Status: StatusUnhealthy, Error: errors.New("down").Error()}})

	resp := m.Evaluate(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, StatusHealthy, resp.Checks["a"].Status)
	assert.Equal(t, "down", resp.Checks["b"].Error)
}

func TestHandlerStatusCodes(t *testing.T) {
	healthy := NewManager("w1", "dev")
	healthy.Register(staticChecker{name: "db", result: CheckResult{Status: StatusHealthy}})

	rec := httptest.NewRecorder()
	healthy.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "w1", resp.WorkerID)

	sick := NewManager("w1", "dev")
	sick.Register(staticChecker{name: "db", result: CheckResult{Status: StatusUnhealthy}})
	rec = httptest.NewRecorder()
	sick.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNoCheckersIsHealthy(t *testing.T) {
	resp := NewManager("w1", "dev").Evaluate(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Nil(t, resp.Checks)
}
