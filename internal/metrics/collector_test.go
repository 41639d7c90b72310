package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

func TestObserveCandidate(t *testing.T) {
	c := NewCollector()

	c.ObserveCandidate(types.RoleOOS, types.Outcome{TrialID: "a", Metrics: &types.TrialMetrics{}, Duration: time.Millisecond})
	c.ObserveCandidate(types.RoleOOS, types.Outcome{TrialID: "b", Failure: &types.Failure{Kind: types.FailureTimeout}})
	c.ObserveCandidate(types.RoleOOS, types.Outcome{TrialID: "c", Failure: &types.Failure{Kind: types.FailureTimeout}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.candidates.WithLabelValues("oos", ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.candidates.WithLabelValues("oos", "timed_out")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.candidateTime))
}

func TestRunLifecycle(t *testing.T) {
	c := NewCollector()

	c.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeRuns))
	c.WindowCompleted()
	c.WindowCompleted()
	c.WindowSkipped()
	c.PersistenceFailed("save_trial")
	c.RunFinished(&types.RunReport{Efficiency: 0.42})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 0.42, testutil.ToFloat64(c.efficiency))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.windows.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.windows.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistFailures.WithLabelValues("save_trial")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.WindowCompleted()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `wfv_windows_total{outcome="completed"} 1`))
}
