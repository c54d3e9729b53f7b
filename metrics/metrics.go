package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors instrumenting a running node. A nil
// *Metrics is valid and records nothing, so wiring is optional.
type Metrics struct {
	registry *prometheus.Registry

	InstancesByStatus *prometheus.GaugeVec
	TasksDispatched   *prometheus.CounterVec
	TaskOutcomes      *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge
	BreakerOpen       *prometheus.GaugeVec
	CASConflicts      prometheus.Counter
	EventsPublished   *prometheus.CounterVec
	EventsDeadLetter  *prometheus.CounterVec
	AgentsOnline      prometheus.Gauge
}

// New constructs a Metrics bundle backed by its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		InstancesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmesh_workflow_instances",
			Help: "Workflow instances by status.",
		}, []string{"status"}),
		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_tasks_dispatched_total",
			Help: "Tasks handed to the dispatcher, by capability.",
		}, []string{"capability"}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_task_outcomes_total",
			Help: "Consumed task outcomes, by capability and status.",
		}, []string{"capability", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskmesh_task_duration_seconds",
			Help:    "Task wall time from dispatch to consumed result.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"capability"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmesh_dispatch_queue_depth",
			Help: "Tasks waiting for agent capacity.",
		}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskmesh_breaker_open",
			Help: "1 when the capability's circuit breaker is open.",
		}, []string{"capability"}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskmesh_state_cas_conflicts_total",
			Help: "Optimistic concurrency conflicts that forced a re-read.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_events_published_total",
			Help: "Events published, by topic.",
		}, []string{"topic"}),
		EventsDeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmesh_events_dead_lettered_total",
			Help: "Events moved to a dead-letter topic, by source topic.",
		}, []string{"topic"}),
		AgentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmesh_agents_online",
			Help: "Agents currently considered online.",
		}),
	}
	reg.MustRegister(
		m.InstancesByStatus,
		m.TasksDispatched,
		m.TaskOutcomes,
		m.TaskDuration,
		m.QueueDepth,
		m.BreakerOpen,
		m.CASConflicts,
		m.EventsPublished,
		m.EventsDeadLetter,
		m.AgentsOnline,
	)
	return m
}

// Handler returns the scrape endpoint handler for this bundle's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInstance adjusts the per-status instance gauges on a transition.
// Pass an empty from on first observation.
func (m *Metrics) ObserveInstance(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.InstancesByStatus.WithLabelValues(from).Dec()
	}
	m.InstancesByStatus.WithLabelValues(to).Inc()
}

// ObserveDispatch counts a task handed to the dispatcher.
func (m *Metrics) ObserveDispatch(capability string) {
	if m == nil {
		return
	}
	m.TasksDispatched.WithLabelValues(capability).Inc()
}

// ObserveOutcome counts a consumed task outcome and its duration.
func (m *Metrics) ObserveOutcome(capability, status string, seconds float64) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(capability, status).Inc()
	if seconds > 0 {
		m.TaskDuration.WithLabelValues(capability).Observe(seconds)
	}
}

// ObserveCASConflict counts a version-mismatch retry.
func (m *Metrics) ObserveCASConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

// ObserveEventPublished counts an event published on a topic.
func (m *Metrics) ObserveEventPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// ObserveDeadLetter counts an event moved to a dead-letter topic, labelled
// by the source topic.
func (m *Metrics) ObserveDeadLetter(topic string) {
	if m == nil {
		return
	}
	m.EventsDeadLetter.WithLabelValues(topic).Inc()
}

// SetAgentsOnline records the number of agents eligible for dispatch.
func (m *Metrics) SetAgentsOnline(n int) {
	if m == nil {
		return
	}
	m.AgentsOnline.Set(float64(n))
}

// SetQueueDepth records the dispatcher's pending queue length.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// SetBreaker records whether a capability's breaker is open.
func (m *Metrics) SetBreaker(capability string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.BreakerOpen.WithLabelValues(capability).Set(v)
}
