package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "novel_stream"

// Исходы сессии для StoriesFinished
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

var (
	// AIRequestsTotal - запросы к LLM по модели и статусу.
	AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "Total number of requests to the AI API.",
		},
		[]string{"model", "status"},
	)
	AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_request_duration_seconds",
			Help:      "Histogram of AI API request durations.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	AITokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tokens_total",
			Help:      "AI tokens used, partitioned by kind (prompt/completion).",
		},
		[]string{"model", "kind"},
	)

	StoriesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stories_started_total",
			Help:      "Total number of stories started.",
		},
	)
	// StoriesFinished - завершенные истории по исходу.
	StoriesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stories_finished_total",
			Help:      "Total number of stories finished, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of user decisions accepted, partitioned by kind.",
		},
		[]string{"kind"},
	)
	FragmentsStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_streamed_total",
			Help:      "Total number of story_update fragments sent to clients.",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_active_connections",
			Help:      "Number of active WebSocket connections.",
		},
	)
	RejectedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_rejected_events_total",
			Help:      "Client events rejected by the server, partitioned by reason.",
		},
		[]string{"reason"},
	)
	LifecycleEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_published_total",
			Help:      "Story lifecycle events published to the message broker.",
		},
		[]string{"type", "status"},
	)
)
