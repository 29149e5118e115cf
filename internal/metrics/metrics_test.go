package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_Counters(t *testing.T) {
	p := New()
	p.ObserveStage("plan", "ok", 20*time.Millisecond)
	p.ObserveStage("plan", "ok", 10*time.Millisecond)
	p.ObserveStage("criticism", "fault", time.Millisecond)
	p.IncRestart()
	p.IncRepair()
	p.IncRepair()
	p.ObserveRun("degraded")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.stageRuns.WithLabelValues("plan", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.stageRuns.WithLabelValues("criticism", "fault")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.restarts))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.repairs))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.runs.WithLabelValues("degraded")))
}

func TestPipeline_NilIsNoop(t *testing.T) {
	var p *Pipeline
	p.ObserveStage("plan", "ok", time.Second)
	p.IncRestart()
	p.IncRepair()
	p.ObserveRun("success")
}

func TestPipeline_HandlerExposesMetrics(t *testing.T) {
	p := New()
	p.ObserveRun("success")
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `proposer_runs_total{status="success"} 1`), rec.Body.String())
}
