// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline records stage and run activity. A nil *Pipeline is a no-op.
type Pipeline struct {
	reg *prometheus.Registry

	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	restarts      prometheus.Counter
	repairs       prometheus.Counter
	runs          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Pipeline {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Pipeline{
		reg: reg,
		stageRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proposer_stage_runs_total",
				Help: "Stage executions by stage and status",
			},
			[]string{"stage", "status"},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proposer_stage_duration_seconds",
				Help:    "Stage handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "proposer_planning_restarts_total",
			Help: "Restarts to the planning stage triggered by the quality gate",
		}),
		repairs: f.NewCounter(prometheus.CounterOpts{
			Name: "proposer_repair_attempts_total",
			Help: "Regenerations triggered by schema validation failures",
		}),
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proposer_runs_total",
				Help: "Finished runs by terminal status",
			},
			[]string{"status"},
		),
	}
}

// ObserveStage records one handler invocation. status is ok, degraded or fault.
func (p *Pipeline) ObserveStage(stage, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageRuns.WithLabelValues(stage, status).Inc()
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Pipeline) IncRestart() {
	if p == nil {
		return
	}
	p.restarts.Inc()
}

func (p *Pipeline) IncRepair() {
	if p == nil {
		return
	}
	p.repairs.Inc()
}

func (p *Pipeline) ObserveRun(status string) {
	if p == nil {
		return
	}
	p.runs.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}
