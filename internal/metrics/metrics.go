// Package metrics exposes the Prometheus instrumentation shared by the
// Consumer Source, Shard Iterator, and Coordinator: the latency
// distributions spec.md §4.3/§5 ask components to warn on, plus basic
// lifecycle counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the coordinator registers. Construct once
// per process with NewRegistered and thread through every component.
type Metrics struct {
	FetchLatency     prometheus.Histogram
	SendLatency      prometheus.Histogram
	CommitLatency    prometheus.Histogram
	CommitsTotal     *prometheus.CounterVec
	EventsDelivered  prometheus.Counter
	FencedExits      *prometheus.CounterVec
	LeaderElections  *prometheus.CounterVec
}

// NewRegistered builds the collector set and registers it with reg.
func NewRegistered(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "shard",
			Name:      "fetch_latency_seconds",
			Help:      "Latency of a single shard iterator prefetch (one store FetchNext call).",
			Buckets:   prometheus.DefBuckets,
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "source",
			Name:      "sink_send_latency_seconds",
			Help:      "Latency of delivering one event to the downstream sink.",
			Buckets:   prometheus.DefBuckets,
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "source",
			Name:      "commit_latency_seconds",
			Help:      "Latency of a fenced conditional offset commit.",
			Buckets:   prometheus.DefBuckets,
		}),
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "source",
			Name:      "commits_total",
			Help:      "Offset commits, partitioned by outcome.",
		}, []string{"outcome"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "source",
			Name:      "events_delivered_total",
			Help:      "Events successfully handed to a downstream sink.",
		}),
		FencedExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "source",
			Name:      "fenced_exits_total",
			Help:      "Consumer Source exits caused by a failed fencing predicate.",
		}, []string{"group_id"}),
		LeaderElections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "leader",
			Name:      "elections_total",
			Help:      "Leader elections won, labelled by outcome; only the \"won\" outcome is recorded.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.FetchLatency,
		m.SendLatency,
		m.CommitLatency,
		m.CommitsTotal,
		m.EventsDelivered,
		m.FencedExits,
		m.LeaderElections,
	)
	return m
}

// Noop returns a Metrics backed by an isolated registry, suitable for tests
// that need a non-nil *Metrics without wiring into the process default
// registry.
func Noop() *Metrics {
	return NewRegistered(prometheus.NewRegistry())
}
