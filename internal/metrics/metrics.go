// Package metrics exposes Prometheus counters for reconciliation activity.
//
// A nil *Recorder is valid and records nothing, so components can be built
// without metrics in tests and one-shot commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "autospawn"

// Recorder owns a private registry and the autospawn collectors.
type Recorder struct {
	registry *prometheus.Registry

	actions         *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	created         prometheus.Counter
	createFailures  *prometheus.CounterVec
	skipped         prometheus.Counter
	deleted         prometheus.Counter
	deleteFailures  prometheus.Counter
	connectFailures prometheus.Counter
	desired         prometheus.Gauge
}

// New creates a Recorder with every collector registered, plus the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Number of reconciliation actions by action and result.",
			},
			[]string{"action", "result"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Time taken by a reconciliation action.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_created_total",
			Help:      "Total number of resources created.",
		}),
		createFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_create_failures_total",
				Help:      "Number of failed creations by the stage that failed.",
			},
			[]string{"stage"},
		),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_skipped_total",
			Help:      "Total number of creations skipped because the resource already existed.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_deleted_total",
			Help:      "Total number of resources deleted.",
		}),
		deleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_delete_failures_total",
			Help:      "Total number of failed deletions.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hypervisor_connect_failures_total",
			Help:      "Total number of hypervisor connections that failed after every retry.",
		}),
		desired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "desired_endpoints",
			Help:      "Number of desired endpoints read from the registry in the last action.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.actions,
		r.actionDuration,
		r.created,
		r.createFailures,
		r.skipped,
		r.deleted,
		r.deleteFailures,
		r.connectFailures,
		r.desired,
	)
	return r
}

// Registry returns the registry backing r.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ActionCompleted records one finished action.
func (r *Recorder) ActionCompleted(action string, took time.Duration, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.actions.WithLabelValues(action, result).Inc()
	r.actionDuration.WithLabelValues(action).Observe(took.Seconds())
}

func (r *Recorder) ResourceCreated() {
	if r == nil {
		return
	}
	r.created.Inc()
}

// CreateFailed records a failed creation at stage (connect, list, clone,
// configure or start).
func (r *Recorder) CreateFailed(stage string) {
	if r == nil {
		return
	}
	r.createFailures.WithLabelValues(stage).Inc()
}

func (r *Recorder) CreateSkipped() {
	if r == nil {
		return
	}
	r.skipped.Inc()
}

func (r *Recorder) ResourceDeleted() {
	if r == nil {
		return
	}
	r.deleted.Inc()
}

func (r *Recorder) DeleteFailed() {
	if r == nil {
		return
	}
	r.deleteFailures.Inc()
}

func (r *Recorder) ConnectFailed() {
	if r == nil {
		return
	}
	r.connectFailures.Inc()
}

// DesiredEndpoints sets the desired endpoint gauge.
func (r *Recorder) DesiredEndpoints(n int) {
	if r == nil {
		return
	}
	r.desired.Set(float64(n))
}
