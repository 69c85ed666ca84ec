package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Upstream error categories (bounded set)
	UpstreamErrorTimeout     = "timeout"
	UpstreamErrorRateLimit   = "rate_limit"
	UpstreamErrorAuth        = "authentication"
	UpstreamErrorNetwork     = "network"
	UpstreamErrorInvalidReq  = "invalid_request"
	UpstreamErrorServerError = "server_error"
	UpstreamErrorCancelled   = "cancelled"
	UpstreamErrorOther       = "other"

	// Observation discard reasons (bounded set)
	DiscardReasonStale         = "stale"
	DiscardReasonLowConfidence = "low_confidence"
	DiscardReasonInvalid       = "invalid"

	// Upkeep check results (bounded set)
	CheckResultNeeded    = "needed"
	CheckResultNotNeeded = "not_needed"
	CheckResultError     = "error"
)

// NormalizeUpstreamError maps arbitrary upstream errors to a bounded set
func NormalizeUpstreamError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "cancelled"):
		return UpstreamErrorCancelled
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return UpstreamErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return UpstreamErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return UpstreamErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") || strings.Contains(errStr, "refused"):
		return UpstreamErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return UpstreamErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return UpstreamErrorServerError
	default:
		return UpstreamErrorOther
	}
}

// NormalizeHost reduces a host label to a bounded form: lowercase,
// port stripped, leading www dropped.
func NormalizeHost(host string) string {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i > 0 && !strings.Contains(h[i+1:], "]") {
		h = h[:i]
	}
	return strings.TrimPrefix(h, "www.")
}

// StatusBucket maps an HTTP status code to its class label
func StatusBucket(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "error"
	}
}

// Upstream HTTP Client Metrics
var (
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_upstream_requests_total",
		Help: "Total upstream HTTP requests by host and status class",
	}, []string{"host", "status"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crossyield_upstream_latency_ms",
		Help:    "Upstream HTTP request latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"host"})

	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_upstream_errors_total",
		Help: "Total upstream HTTP errors by host and category",
	}, []string{"host", "error_type"})

	UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_upstream_retries_total",
		Help: "Total upstream request retries by host",
	}, []string{"host"})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_cache_hits_total",
		Help: "Response cache hits by tier",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_cache_misses_total",
		Help: "Response cache misses by tier",
	}, []string{"tier"})

	CacheStaleServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossyield_cache_stale_served_total",
		Help: "Expired cache entries served because refresh failed",
	})

	HostInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crossyield_host_in_flight_requests",
		Help: "In-flight upstream requests per host",
	}, []string{"host"})
)

// Data Feed Metrics
var (
	SourcePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_feed_source_polls_total",
		Help: "Total feed source polls by source and outcome",
	}, []string{"source", "status"})

	SourceDegraded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crossyield_feed_source_degraded",
		Help: "Feed source degraded status (1 = degraded, 0 = healthy)",
	}, []string{"source"})

	ObservationsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_feed_observations_discarded_total",
		Help: "Feed observations discarded before aggregation by reason",
	}, []string{"source", "reason"})

	PriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_feed_price_updates_total",
		Help: "Accepted price observations by source",
	}, []string{"source"})

	YieldUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_feed_yield_updates_total",
		Help: "Accepted yield observations by source",
	}, []string{"source"})

	SignificantPriceChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_feed_significant_price_changes_total",
		Help: "Price moves exceeding the significant change threshold",
	}, []string{"pair"})
)

// Aggregator Metrics
var (
	SnapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossyield_snapshots_published_total",
		Help: "Market snapshots published",
	})

	SnapshotPools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossyield_snapshot_pools",
		Help: "Pools present in the current market snapshot",
	})

	LiveFeedSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossyield_live_feed_size",
		Help: "Entries currently retained in the live activity feed",
	})
)

// Agent Metrics
var (
	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_signals_emitted_total",
		Help: "Signals emitted by agent and kind",
	}, []string{"agent", "kind"})

	ProposalsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossyield_proposals_generated_total",
		Help: "Strategy proposals generated",
	})

	AgentProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crossyield_agent_processing_duration_ms",
		Help:    "Agent evaluation duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
	}, []string{"agent"})
)

// Voting Metrics
var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_decisions_total",
		Help: "Voting decisions by action",
	}, []string{"action"})

	ConsensusScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossyield_consensus_score_ppm",
		Help: "Consensus score of the most recent decision in parts per million",
	})

	EmergencyExits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossyield_emergency_exits_total",
		Help: "Emergency exit decisions taken",
	})
)

// Upkeep Metrics
var (
	UpkeepChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_upkeep_checks_total",
		Help: "Upkeep condition evaluations by upkeep and result",
	}, []string{"upkeep", "result"})

	UpkeepPerforms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_upkeep_performs_total",
		Help: "Upkeep executions by upkeep and status",
	}, []string{"upkeep", "status"})

	UpkeepPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crossyield_upkeep_paused",
		Help: "Upkeep paused status (1 = paused after persistent failure)",
	}, []string{"upkeep"})
)

// Orchestrator Metrics
var (
	MessageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_message_transitions_total",
		Help: "Cross-chain message state transitions by destination state",
	}, []string{"state"})

	MessagesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossyield_messages_in_flight",
		Help: "Cross-chain messages currently between submission and finality",
	})

	FeeVariance = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crossyield_fee_variance_bps",
		Help:    "Actual vs estimated bridge fee variance in basis points",
		Buckets: []float64{-5000, -1000, -500, -100, 0, 100, 500, 1000, 5000},
	})

	SubmitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossyield_submit_retries_total",
		Help: "Transaction submission retries",
	})
)

// Event Bus Metrics
var (
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_bus_published_total",
		Help: "Events published to the internal bus by topic",
	}, []string{"topic"})

	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_bus_dropped_total",
		Help: "Events dropped from slow subscriber buffers by topic",
	}, []string{"topic"})

	BusSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crossyield_bus_subscribers",
		Help: "Active subscribers per topic",
	}, []string{"topic"})

	NATSMirrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossyield_nats_mirrored_total",
		Help: "Events mirrored to the external NATS subject tree",
	})

	NATSMirrorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossyield_nats_mirror_errors_total",
		Help: "Failures publishing events to the NATS mirror",
	})
)

// Supervisor and API Metrics
var (
	ComponentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_component_restarts_total",
		Help: "Component restarts performed by the supervisor",
	}, []string{"component"})

	ComponentUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crossyield_component_up",
		Help: "Component status (1 = running, 0 = stopped or degraded)",
	}, []string{"component"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crossyield_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossyield_websocket_clients",
		Help: "Connected websocket stream clients",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossyield_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossyield_redis_cache_hit_rate",
		Help: "Redis cache hit rate as a ratio (0.0 to 1.0)",
	})
)

// Helper functions to update metrics

// RecordUpstreamRequest records one completed upstream HTTP request
func RecordUpstreamRequest(host string, statusCode int, durationMs float64) {
	h := NormalizeHost(host)
	UpstreamRequests.WithLabelValues(h, StatusBucket(statusCode)).Inc()
	UpstreamLatency.WithLabelValues(h).Observe(durationMs)
}

// RecordUpstreamError records a failed upstream request
func RecordUpstreamError(host string, err error) {
	UpstreamErrors.WithLabelValues(NormalizeHost(host), NormalizeUpstreamError(err)).Inc()
}

// RecordUpstreamRetry records one retry attempt against a host
func RecordUpstreamRetry(host string) {
	UpstreamRetries.WithLabelValues(NormalizeHost(host)).Inc()
}

// RecordCacheHit records a response cache hit
func RecordCacheHit(tier string) {
	CacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a response cache miss
func RecordCacheMiss(tier string) {
	CacheMisses.WithLabelValues(tier).Inc()
}

// RecordSourcePoll records a feed source poll outcome
func RecordSourcePoll(source string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	SourcePolls.WithLabelValues(source, status).Inc()
}

// SetSourceDegraded flips the degraded gauge for a feed source
func SetSourceDegraded(source string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	SourceDegraded.WithLabelValues(source).Set(v)
}

// RecordDiscardedObservation records an observation dropped before aggregation
func RecordDiscardedObservation(source, reason string) {
	ObservationsDiscarded.WithLabelValues(source, reason).Inc()
}

// RecordSignal records a signal emission
func RecordSignal(agent, kind string) {
	SignalsEmitted.WithLabelValues(agent, kind).Inc()
}

// RecordAgentProcessing records agent evaluation duration
func RecordAgentProcessing(agent string, durationMs float64) {
	AgentProcessingDuration.WithLabelValues(agent).Observe(durationMs)
}

// RecordDecision records a voting decision
func RecordDecision(action string, consensusPPM int64) {
	Decisions.WithLabelValues(action).Inc()
	ConsensusScore.Set(float64(consensusPPM))
}

// RecordUpkeepCheck records an upkeep condition evaluation
func RecordUpkeepCheck(upkeepID, result string) {
	UpkeepChecks.WithLabelValues(upkeepID, result).Inc()
}

// RecordUpkeepPerform records an upkeep execution attempt
func RecordUpkeepPerform(upkeepID string, ok bool) {
	status := "submitted"
	if !ok {
		status = "failed"
	}
	UpkeepPerforms.WithLabelValues(upkeepID, status).Inc()
}

// SetUpkeepPaused flips the paused gauge for an upkeep
func SetUpkeepPaused(upkeepID string, paused bool) {
	v := 0.0
	if paused {
		v = 1.0
	}
	UpkeepPaused.WithLabelValues(upkeepID).Set(v)
}

// RecordTransition records a message state transition
func RecordTransition(state string) {
	MessageTransitions.WithLabelValues(state).Inc()
}

// ObserveFeeVariance records actual vs estimated fee variance
func ObserveFeeVariance(bps float64) {
	FeeVariance.Observe(bps)
}

// RecordBusPublish records an event published to a topic
func RecordBusPublish(topic string) {
	BusPublished.WithLabelValues(topic).Inc()
}

// RecordBusDrop records an event evicted from a subscriber buffer
func RecordBusDrop(topic string) {
	BusDropped.WithLabelValues(topic).Inc()
}

// SetBusSubscribers sets the subscriber gauge for a topic
func SetBusSubscribers(topic string, n int) {
	BusSubscribers.WithLabelValues(topic).Set(float64(n))
}

// RecordComponentRestart records a supervisor-initiated restart
func RecordComponentRestart(component string) {
	ComponentRestarts.WithLabelValues(component).Inc()
}

// SetComponentUp sets the component status gauge
func SetComponentUp(component string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	ComponentUp.WithLabelValues(component).Set(v)
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
