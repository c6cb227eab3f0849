package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetch outcomes - how requests find their session
	// labels: mode (shared/exclusive), outcome (found/absent/locked)
	// a rising locked share means requests for one session pile up
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_fetch_total",
			Help: "total number of session fetches",
		},
		[]string{"mode", "outcome"},
	)

	// acquisition latency - histogram to track p50/p90/p99
	// covers the conditional update plus the follow-up lookup on a miss
	AcquireDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockbox_acquire_duration_seconds",
			Help:    "time taken to attempt a session lock acquisition",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
	)

	// acquisition counter
	// labels: status (acquired/locked/absent/retried)
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_acquire_total",
			Help: "total number of session lock acquisition attempts",
		},
		[]string{"status"},
	)

	// write-back counter
	// labels: result (committed/stale/inserted)
	// stale = the writer's token was superseded, its payload was dropped
	CommitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_commit_total",
			Help: "total number of session commits",
		},
		[]string{"result"},
	)

	// release counter - should roughly match acquisitions minus commits
	// labels: result (released/stale)
	ReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_release_total",
			Help: "total number of session lock releases",
		},
		[]string{"result"},
	)

	// remove counter
	// labels: result (removed/stale)
	RemoveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_remove_total",
			Help: "total number of session removals",
		},
		[]string{"result"},
	)

	PlaceholderTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbox_placeholder_total",
			Help: "total number of placeholder sessions created",
		},
	)

	// records removed on access because they were found dead
	LazyExpireTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbox_lazy_expire_total",
			Help: "total number of sessions expired on access",
		},
	)

	// sweeper runs
	// labels: status (success/failure)
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_sweep_runs_total",
			Help: "total number of expiration sweeps",
		},
		[]string{"status"},
	)

	SweepDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lockbox_sweep_deleted_total",
			Help: "total number of expired sessions removed by the sweeper",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockbox_sweep_duration_seconds",
			Help:    "time taken by one expiration sweep",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// storage failures seen by the provider
	// labels: op (fetch/commit/release/...)
	StorageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockbox_storage_failures_total",
			Help: "total number of session storage failures",
		},
		[]string{"op"},
	)

	// table gauges, only published by backends that hold the table locally
	SessionsStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_sessions_stored",
			Help: "current number of stored session records",
		},
	)

	SessionsLocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_sessions_locked",
			Help: "current number of locked session records",
		},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// cluster size - drop indicates node failure
	RaftPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_raft_peers",
			Help: "number of peers in the raft cluster",
		},
	)

	// raft log index - last index applied to FSM
	// lag between leader and follower = replication delay
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockbox_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}

func BoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
