package httpclient

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_requests_total",
		Help: "Wire requests issued by the shared HTTP client.",
	})
	promRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_retries_total",
		Help: "Retry attempts after transient failures.",
	})
	promThrottleWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_throttle_waits_total",
		Help: "Times a request waited on the per-host pacer.",
	})
	promRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_rate_limited_total",
		Help: "HTTP 429 responses received.",
	})
	promEgressBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_egress_blocked_total",
		Help: "Requests rejected by egress guardrails.",
	})
	promCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_cache_hits_total",
		Help: "Responses served from the response cache.",
	})
	promCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_coalesced_requests_total",
		Help: "Requests that shared another identical in-flight request.",
	})
	promTruncatedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webscan_http_truncated_bytes_total",
		Help: "Response body bytes discarded by the size cap.",
	})
)

// Metrics counts client activity. Prometheus counters are mirrored so the
// engine's Metrics() snapshot stays cheap to read.
type Metrics struct {
	requests       atomic.Int64
	retries        atomic.Int64
	throttleWaits  atomic.Int64
	rateLimited    atomic.Int64
	egressBlocks   atomic.Int64
	cacheHits      atomic.Int64
	coalesced      atomic.Int64
	truncatedBytes atomic.Int64
}

// MetricsSnapshot is the JSON view served by the engine's Metrics operation.
type MetricsSnapshot struct {
	Requests       int64 `json:"requests"`
	Retries        int64 `json:"retries"`
	ThrottleWaits  int64 `json:"throttle_waits"`
	RateLimited429 int64 `json:"rate_limited_429"`
	EgressBlocks   int64 `json:"egress_blocks"`
	CacheHits      int64 `json:"cache_hits"`
	Coalesced      int64 `json:"coalesced_requests"`
	BytesTruncated int64 `json:"bytes_truncated"`
}

func (m *Metrics) addRequest() {
	m.requests.Add(1)
	promRequests.Inc()
}

func (m *Metrics) addRetry() {
	m.retries.Add(1)
	promRetries.Inc()
}

func (m *Metrics) addThrottleWait() {
	m.throttleWaits.Add(1)
	promThrottleWaits.Inc()
}

func (m *Metrics) addRateLimited() {
	m.rateLimited.Add(1)
	promRateLimited.Inc()
}

func (m *Metrics) addEgressBlock() {
	m.egressBlocks.Add(1)
	promEgressBlocks.Inc()
}

func (m *Metrics) addCacheHit() {
	m.cacheHits.Add(1)
	promCacheHits.Inc()
}

func (m *Metrics) addCoalesced() {
	m.coalesced.Add(1)
	promCoalesced.Inc()
}

func (m *Metrics) addTruncatedBytes(n int64) {
	if n <= 0 {
		return
	}
	m.truncatedBytes.Add(n)
	promTruncatedBytes.Add(float64(n))
}

// Snapshot returns current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:       m.requests.Load(),
		Retries:        m.retries.Load(),
		ThrottleWaits:  m.throttleWaits.Load(),
		RateLimited429: m.rateLimited.Load(),
		EgressBlocks:   m.egressBlocks.Load(),
		CacheHits:      m.cacheHits.Load(),
		Coalesced:      m.coalesced.Load(),
		BytesTruncated: m.truncatedBytes.Load(),
	}
}
