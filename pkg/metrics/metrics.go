package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChatSessions tracks live websocket sessions per workspace room.
	ChatSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_chat_sessions",
			Help: "Number of live chat sessions",
		},
		[]string{"workspace"},
	)

	// ChatBroadcasts counts broadcast fan-outs by frame type.
	ChatBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_chat_broadcasts_total",
			Help: "Total number of chat broadcasts",
		},
		[]string{"type"},
	)

	// ChatPersistFailures counts failed message-log writes.
	ChatPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_chat_persist_failures_total",
			Help: "Total number of failed chat log writes",
		},
	)

	// ChatReapedSessions counts sessions removed by the reaper sweep.
	ChatReapedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_chat_reaped_sessions_total",
			Help: "Total number of sessions removed by the reaper",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
