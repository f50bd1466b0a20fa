package authflow

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one client counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts attempts that reached the authenticated state.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected primary credentials or codes.
	MetricLoginFailure
	// MetricTwoFactorRequired counts attempts that entered the 2FA challenge.
	MetricTwoFactorRequired
	// MetricTwoFactorFailure counts rejected TOTP or backup codes.
	MetricTwoFactorFailure
	// MetricBackupCodeUsed counts accepted backup codes.
	MetricBackupCodeUsed
	// MetricDeviceVerificationRequired counts device challenges entered.
	MetricDeviceVerificationRequired
	// MetricDeviceVerified counts completed device challenges.
	MetricDeviceVerified
	// MetricAgeVerificationRequired counts age gates entered.
	MetricAgeVerificationRequired
	// MetricRateLimited counts 429 responses and locally refused resends.
	MetricRateLimited
	// MetricUserFetch counts current-user requests sent.
	MetricUserFetch
	// MetricUserFetchDeduplicated counts fetch triggers that joined an
	// in-flight request.
	MetricUserFetchDeduplicated
	// MetricSessionInvalidated counts sessions dropped after a 401.
	MetricSessionInvalidated
	// MetricExpiredTokenDiscarded counts stored tokens dropped at bootstrap
	// without a request.
	MetricExpiredTokenDiscarded
	// MetricLogout counts single-session logouts.
	MetricLogout
	// MetricLogoutAll counts logout-all operations.
	MetricLogoutAll
	// MetricSocialLogin counts completed social callbacks.
	MetricSocialLogin
	// MetricRemoteChange counts store changes made by other processes.
	MetricRemoteChange
	// MetricUserFetchLatency is the current-user fetch latency histogram.
	MetricUserFetchLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free client counters. A nil or disabled Metrics drops
// every observation.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics returns counters configured by cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the histogram of id. Only latency ids keep histograms.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricUserFetchLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current count of id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter, and the latency buckets when enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricUserFetchLatency].buckets[i])
		}
		s.Histograms[MetricUserFetchLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
