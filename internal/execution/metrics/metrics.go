package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchesTotal tracks probe attempts by outcome
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prober_fetches_total",
			Help: "Total number of probe attempts",
		},
		[]string{"outcome"},
	)

	// FetchLatency tracks probe latency
	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prober_fetch_latency_seconds",
			Help:    "Probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// UnitsTotal tracks dispatched units by how they ended
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prober_units_total",
			Help: "Total number of dispatched units",
		},
		[]string{"result"},
	)

	// RoundsTotal tracks completed rounds
	RoundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prober_rounds_total",
			Help: "Total number of completed rounds",
		},
	)

	// RoundDuration tracks round wall time
	RoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prober_round_duration_seconds",
			Help:    "Round duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// TasksByOutcome tracks ledger state
	TasksByOutcome = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prober_tasks",
			Help: "Number of tasks by outcome",
		},
		[]string{"outcome"},
	)

	// Hits tracks tasks that found a present value
	Hits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prober_hits",
			Help: "Number of tasks with a present value",
		},
	)

	// LiveWorkers tracks the workers seen in the last round
	LiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prober_live_workers",
			Help: "Live workers at the start of the last round",
		},
	)

	// Rotations tracks identity rotations in the current run
	Rotations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prober_rotations",
			Help: "Identity rotations in the current run",
		},
	)

	// Recoveries tracks cluster recoveries in the current run
	Recoveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prober_recoveries",
			Help: "Cluster recoveries in the current run",
		},
	)

	// ClusterState tracks the lifecycle state of the managed cluster
	ClusterState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prober_cluster_state",
			Help: "Cluster lifecycle state (0 idle, 1 provisioning, 2 ready, 3 draining, 4 failed, 5 stopped)",
		},
	)

	// ClusterTransitionsTotal tracks lifecycle transitions
	ClusterTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prober_cluster_transitions_total",
			Help: "Total number of cluster state transitions",
		},
		[]string{"to"},
	)

	// WorkerTasksQueued tracks candidates accepted by this worker and not yet probed
	WorkerTasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prober_worker_tasks_queued",
			Help: "Candidates accepted by this worker and not yet probed",
		},
	)

	// IdentityResetsTotal tracks identity resets on a worker
	IdentityResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prober_identity_resets_total",
			Help: "Total number of identity resets performed by this worker",
		},
		[]string{"result"},
	)
)
