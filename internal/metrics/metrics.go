// Package metrics exposes Prometheus collectors for the control loop.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the loop's collectors.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	TasksTotal       *prometheus.CounterVec
	ApprovalsTotal   *prometheus.CounterVec
	BreakerTrips     prometheus.Counter
	DeploymentsTotal *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ErrorRatio       prometheus.Gauge
	PendingApprovals prometheus.Gauge
}

// Get registers the collectors on first use and returns them.
//
//   - autopilot_cycles_total{outcome}
//   - autopilot_tasks_total{status}
//   - autopilot_approvals_total{decision}
//   - autopilot_breaker_trips_total
//   - autopilot_deployments_total{outcome}
//   - autopilot_stage_duration_seconds{pipeline,stage}
//   - autopilot_error_ratio
//   - autopilot_pending_approvals
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "autopilot_cycles_total",
				Help: "Control loop cycles by outcome",
			}, []string{"outcome"}),
			TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "autopilot_tasks_total",
				Help: "Task status changes by resulting status",
			}, []string{"status"}),
			ApprovalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "autopilot_approvals_total",
				Help: "Resolved approval requests by decision",
			}, []string{"decision"}),
			BreakerTrips: promauto.NewCounter(prometheus.CounterOpts{
				Name: "autopilot_breaker_trips_total",
				Help: "Circuit breaker trips",
			}),
			DeploymentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "autopilot_deployments_total",
				Help: "Deployment pipeline runs by outcome",
			}, []string{"outcome"}),
			StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "autopilot_stage_duration_seconds",
				Help:    "Pipeline stage duration",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
			}, []string{"pipeline", "stage"}),
			ErrorRatio: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "autopilot_error_ratio",
				Help: "Failure ratio of the error window",
			}),
			PendingApprovals: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "autopilot_pending_approvals",
				Help: "Approval requests awaiting a decision",
			}),
		}
	})
	return global
}
