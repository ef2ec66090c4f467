package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Memory store metrics
	MemoryOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collective_memory_ops_total",
			Help: "Total number of memory store operations by op and result",
		},
		[]string{"op", "result"},
	)

	MemoriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collective_memories_total",
			Help: "Number of memories by lifecycle state",
		},
		[]string{"state"},
	)

	ChangeRingFill = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collective_change_ring_fill_pct",
			Help: "Change ring fill percentage (0-100)",
		},
	)

	ChangeRingOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collective_change_ring_overflows_total",
			Help: "Times the change ring overflowed and forced a full resync",
		},
	)

	ApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collective_apply_total",
			Help: "Replicated changes applied by result (applied, stale, shadowed)",
		},
		[]string{"result"},
	)

	// Sync engine metrics
	SyncSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collective_sync_sent_total",
			Help: "Sync envelopes sent by kind",
		},
		[]string{"kind"},
	)

	SyncReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collective_sync_received_total",
			Help: "Sync envelopes received by kind",
		},
		[]string{"kind"},
	)

	PeerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collective_peer_lag_changes",
			Help: "Unacked outbox changes per peer",
		},
		[]string{"peer"},
	)

	PeersUnreachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collective_peers_unreachable",
			Help: "Peers currently marked unreachable",
		},
	)

	DigestRoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collective_digest_round_duration_seconds",
			Help:    "Duration of digest exchange rounds in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QuarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collective_sync_quarantined_total",
			Help: "Changes quarantined after repeated peer application failures",
		},
	)

	// Coordination metrics
	TasksRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collective_tasks_routed_total",
			Help: "Task routing attempts by outcome (local, remote, none)",
		},
		[]string{"outcome"},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collective_broadcasts_total",
			Help: "Broadcasts by direction (published, delivered, duplicate)",
		},
		[]string{"direction"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collective_agents_total",
			Help: "Registered agents by status",
		},
		[]string{"status"},
	)

	// Semantic index metrics
	SearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collective_search_duration_seconds",
			Help:    "Semantic search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IndexEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collective_index_entries",
			Help: "Vectors currently held by the semantic index",
		},
	)

	// RPC metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collective_rpc_requests_total",
			Help: "RPC requests by op and status",
		},
		[]string{"op", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collective_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MemoryOpsTotal)
	prometheus.MustRegister(MemoriesTotal)
	prometheus.MustRegister(ChangeRingFill)
	prometheus.MustRegister(ChangeRingOverflows)
	prometheus.MustRegister(ApplyTotal)
	prometheus.MustRegister(SyncSentTotal)
	prometheus.MustRegister(SyncReceivedTotal)
	prometheus.MustRegister(PeerLag)
	prometheus.MustRegister(PeersUnreachable)
	prometheus.MustRegister(DigestRoundDuration)
	prometheus.MustRegister(QuarantinedTotal)
	prometheus.MustRegister(TasksRoutedTotal)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(IndexEntries)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
