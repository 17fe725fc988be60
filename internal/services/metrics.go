package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the custom Prometheus metrics of the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec

	ChatRequests       prometheus.Counter
	ChatRequestLatency prometheus.Histogram
	ChatErrors         *prometheus.CounterVec

	CacheLookups        *prometheus.CounterVec
	RetrievalLatency    prometheus.Histogram
	DegradedRetrievals  prometheus.Counter
	EmbeddingRequests   *prometheus.CounterVec
	LLMLatency          *prometheus.HistogramVec
	InsightUpdates      *prometheus.CounterVec
	FragmentsIngested   *prometheus.CounterVec
	CacheEntriesEvicted *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg (prometheus.DefaultRegisterer in the server)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatcontext_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),
		WebSocketMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcontext_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		ChatRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcontext_chat_requests_total",
			Help: "Total number of chat requests processed",
		}),
		ChatRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcontext_chat_request_duration_seconds",
			Help:    "End-to-end chat request latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		ChatErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcontext_chat_errors_total",
			Help: "Total number of chat errors by type",
		}, []string{"error_type"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcontext_cache_lookups_total",
			Help: "Semantic cache lookups by result (hit_l1, hit_l2, miss, expired, error)",
		}, []string{"result"}),
		RetrievalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcontext_retrieval_duration_seconds",
			Help:    "Knowledge retrieval latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		DegradedRetrievals: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcontext_retrieval_degraded_total",
			Help: "Retrievals served without a query embedding",
		}),
		EmbeddingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcontext_embedding_requests_total",
			Help: "Embedding provider requests by outcome",
		}, []string{"outcome"}),
		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatcontext_llm_request_duration_seconds",
			Help:    "Chat-completion latency in seconds by purpose",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"purpose"}),
		InsightUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcontext_insight_updates_total",
			Help: "Insight update attempts by outcome",
		}, []string{"outcome"}),
		FragmentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcontext_fragments_ingested_total",
			Help: "Knowledge fragments written by content type",
		}, []string{"content_type"}),
		CacheEntriesEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcontext_cache_entries_evicted_total",
			Help: "Cache entries removed by the cleanup job by reason",
		}, []string{"reason"}), // "expired" or "trimmed"
	}
}

func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}

func (m *Metrics) RecordChatRequest(seconds float64) {
	if m == nil {
		return
	}
	m.ChatRequests.Inc()
	m.ChatRequestLatency.Observe(seconds)
}

func (m *Metrics) RecordChatError(errorType string) {
	if m == nil {
		return
	}
	m.ChatErrors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRetrieval(seconds float64, degraded bool) {
	if m == nil {
		return
	}
	m.RetrievalLatency.Observe(seconds)
	if degraded {
		m.DegradedRetrievals.Inc()
	}
}

func (m *Metrics) RecordEmbedding(outcome string) {
	if m == nil {
		return
	}
	m.EmbeddingRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordLLMLatency(purpose string, seconds float64) {
	if m == nil {
		return
	}
	m.LLMLatency.WithLabelValues(purpose).Observe(seconds)
}

func (m *Metrics) RecordInsightUpdate(outcome string) {
	if m == nil {
		return
	}
	m.InsightUpdates.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFragmentsIngested(contentType string, n int) {
	if m == nil {
		return
	}
	m.FragmentsIngested.WithLabelValues(contentType).Add(float64(n))
}

func (m *Metrics) RecordCacheEviction(reason string, n int64) {
	if m == nil {
		return
	}
	m.CacheEntriesEvicted.WithLabelValues(reason).Add(float64(n))
}
