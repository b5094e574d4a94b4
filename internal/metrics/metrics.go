// Package metrics defines the prometheus collectors the orchestrator exposes:
// queue depth, claim latency, commit latency, and cascade completion counters,
// mirroring the teacher's pkg/infrastructure/metrics per-domain collector registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the orchestrator registers, constructed once
// and injected into pkg/workqueue, pkg/governance, and pkg/cascade.
type Registry struct {
	QueueDepth         *prometheus.GaugeVec
	ClaimLatency       *prometheus.HistogramVec
	CommitLatency      *prometheus.HistogramVec
	ProposalsByState   *prometheus.GaugeVec
	CascadeCompleted   *prometheus.CounterVec
	CascadeOrphaned    *prometheus.CounterVec
	WorkItemRetries    *prometheus.CounterVec
	EventsEmitted      *prometheus.CounterVec
	LeaseExpirations   *prometheus.CounterVec
}

// New constructs and registers the orchestrator's metric collectors against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "substrated",
			Subsystem: "workqueue",
			Name:      "depth",
			Help:      "Number of work items currently in each (work_type, state).",
		}, []string{"work_type", "state"}),
		ClaimLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "substrated",
			Subsystem: "workqueue",
			Name:      "claim_latency_seconds",
			Help:      "Time between a work item's creation and its first successful claim.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"work_type"}),
		CommitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "substrated",
			Subsystem: "governance",
			Name:      "commit_latency_seconds",
			Help:      "Time to execute a proposal's commit transaction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"basket_id"}),
		ProposalsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "substrated",
			Subsystem: "governance",
			Name:      "proposals",
			Help:      "Number of proposals currently in each state.",
		}, []string{"state"}),
		CascadeCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrated",
			Subsystem: "cascade",
			Name:      "completed_total",
			Help:      "Cascades that reached a terminal stage.",
		}, []string{"work_type"}),
		CascadeOrphaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrated",
			Subsystem: "cascade",
			Name:      "orphaned_total",
			Help:      "Cascades detected with no progress beyond the orphan timeout.",
		}, []string{"work_type"}),
		WorkItemRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrated",
			Subsystem: "workqueue",
			Name:      "retries_total",
			Help:      "Work items re-queued after a retryable failure or lease expiry.",
		}, []string{"work_type", "reason"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrated",
			Subsystem: "bus",
			Name:      "events_emitted_total",
			Help:      "Events persisted to the events table.",
		}, []string{"topic"}),
		LeaseExpirations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "substrated",
			Subsystem: "workqueue",
			Name:      "lease_expirations_total",
			Help:      "Work items reclaimed after their lease expired.",
		}, []string{"work_type"}),
	}

	reg.MustRegister(
		m.QueueDepth, m.ClaimLatency, m.CommitLatency, m.ProposalsByState,
		m.CascadeCompleted, m.CascadeOrphaned, m.WorkItemRetries, m.EventsEmitted,
		m.LeaseExpirations,
	)
	return m
}
