package metrics

import (
	"net/http"
	"time"

	"github.com/codelaboratoryltd/radcore/pkg/allocator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PoolSource exposes framed-IP pool occupancy for collection
type PoolSource interface {
	Stats() allocator.PoolStats
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// RADIUS metrics
	radiusRequests     *prometheus.CounterVec
	radiusLatency      *prometheus.HistogramVec
	radiusTimeouts     *prometheus.CounterVec
	radiusAuthMismatch *prometheus.CounterVec

	// Session metrics
	sessionActive   prometheus.Gauge
	sessionTotal    *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	sessionBytesIn  prometheus.Counter
	sessionBytesOut prometheus.Counter
	acctUndelivered *prometheus.CounterVec

	// CoA metrics
	coaCommands *prometheus.CounterVec

	// FUP metrics
	fupEvaluations *prometheus.CounterVec
	fupApplied     prometheus.Gauge
	fupRunDuration prometheus.Histogram

	// Pool metrics
	poolUtilization *prometheus.GaugeVec
	poolAvailable   *prometheus.GaugeVec
	poolAllocated   *prometheus.GaugeVec

	pool   PoolSource
	logger *zap.Logger
}

// New creates a new Metrics instance. pool may be nil.
func New(pool PoolSource, logger *zap.Logger) *Metrics {
	m := &Metrics{
		pool:   pool,
		logger: logger,

		radiusRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radcore_radius_requests_total",
				Help: "Total RADIUS exchanges by type, result and server",
			},
			[]string{"type", "result", "server"},
		),

		radiusLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radcore_radius_latency_seconds",
				Help:    "RADIUS round-trip latency by type and server",
				Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 3},
			},
			[]string{"type", "server"},
		),

		radiusTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radcore_radius_timeouts_total",
				Help: "Total RADIUS attempts that got no reply",
			},
			[]string{"server"},
		),

		radiusAuthMismatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radcore_radius_authenticator_mismatch_total",
				Help: "Responses rejected because the authenticator did not verify",
			},
			[]string{"server"},
		),

		sessionActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radcore_sessions_active",
				Help: "Number of active subscriber sessions",
			},
		),

		sessionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radcore_sessions_total",
				Help: "Total sessions by lifecycle event",
			},
			[]string{"event"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radcore_session_duration_seconds",
				Help:    "Duration of closed sessions",
				Buckets: prometheus.ExponentialBuckets(60, 4, 8),
			},
		),

		sessionBytesIn: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radcore_session_bytes_in_total",
				Help: "Input octets reported by closed sessions",
			},
		),

		sessionBytesOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radcore_session_bytes_out_total",
				Help: "Output octets reported by closed sessions",
			},
		),

		acctUndelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radcore_accounting_undelivered_total",
				Help: "Accounting requests that got no Accounting-Response",
			},
			[]string{"status_type"},
		),

		coaCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radcore_coa_commands_total",
				Help: "Total CoA commands by type and result",
			},
			[]string{"command", "result"},
		),

		fupEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radcore_fup_evaluations_total",
				Help: "Total fair-usage evaluations by outcome",
			},
			[]string{"outcome"},
		),

		fupApplied: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radcore_fup_applied_subscribers",
				Help: "Subscribers with a confirmed FUP speed reduction after the last run",
			},
		),

		fupRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radcore_fup_run_duration_seconds",
				Help:    "Duration of one enforcement cycle",
				Buckets: prometheus.DefBuckets,
			},
		),

		poolUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radcore_pool_utilization",
				Help: "Framed-IP pool utilization ratio",
			},
			[]string{"pool"},
		),

		poolAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radcore_pool_available",
				Help: "Free addresses in the framed-IP pool",
			},
			[]string{"pool"},
		),

		poolAllocated: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radcore_pool_allocated",
				Help: "Allocated addresses in the framed-IP pool",
			},
			[]string{"pool"},
		),
	}

	return m
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		// RADIUS metrics
		m.radiusRequests,
		m.radiusLatency,
		m.radiusTimeouts,
		m.radiusAuthMismatch,
		// Session metrics
		m.sessionActive,
		m.sessionTotal,
		m.sessionDuration,
		m.sessionBytesIn,
		m.sessionBytesOut,
		m.acctUndelivered,
		// CoA metrics
		m.coaCommands,
		// FUP metrics
		m.fupEvaluations,
		m.fupApplied,
		m.fupRunDuration,
		// Pool metrics
		m.poolUtilization,
		m.poolAvailable,
		m.poolAllocated,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---
// All update methods are no-ops on a nil *Metrics.

// RecordRADIUSRequest records a completed RADIUS exchange.
func (m *Metrics) RecordRADIUSRequest(reqType, result, server string, latency time.Duration) {
	if m == nil {
		return
	}
	m.radiusRequests.WithLabelValues(reqType, result, server).Inc()
	m.radiusLatency.WithLabelValues(reqType, server).Observe(latency.Seconds())
}

// RecordRADIUSTimeout records an attempt that got no reply.
func (m *Metrics) RecordRADIUSTimeout(server string) {
	if m == nil {
		return
	}
	m.radiusTimeouts.WithLabelValues(server).Inc()
}

// RecordAuthenticatorMismatch records a response that failed verification.
func (m *Metrics) RecordAuthenticatorMismatch(server string) {
	if m == nil {
		return
	}
	m.radiusAuthMismatch.WithLabelValues(server).Inc()
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionTotal.WithLabelValues("created").Inc()
	m.sessionActive.Inc()
}

// RecordSessionTerminated records a session being closed.
func (m *Metrics) RecordSessionTerminated(duration time.Duration, bytesIn, bytesOut uint64) {
	if m == nil {
		return
	}
	m.sessionTotal.WithLabelValues("terminated").Inc()
	m.sessionActive.Dec()
	m.sessionDuration.Observe(duration.Seconds())
	m.sessionBytesIn.Add(float64(bytesIn))
	m.sessionBytesOut.Add(float64(bytesOut))
}

// RecordAccountingUndelivered records an accounting request left unanswered.
func (m *Metrics) RecordAccountingUndelivered(statusType string) {
	if m == nil {
		return
	}
	m.acctUndelivered.WithLabelValues(statusType).Inc()
}

// RecordCoA records a CoA command outcome.
func (m *Metrics) RecordCoA(command, result string) {
	if m == nil {
		return
	}
	m.coaCommands.WithLabelValues(command, result).Inc()
}

// RecordFUPEvaluation records one subscriber evaluation.
func (m *Metrics) RecordFUPEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.fupEvaluations.WithLabelValues(outcome).Inc()
}

// RecordFUPRun records a finished enforcement cycle.
func (m *Metrics) RecordFUPRun(duration time.Duration, applied int) {
	if m == nil {
		return
	}
	m.fupRunDuration.Observe(duration.Seconds())
	m.fupApplied.Set(float64(applied))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect updates gauges from the framed-IP pool
func (m *Metrics) Collect() {
	if m == nil || m.pool == nil {
		return
	}

	ps := m.pool.Stats()
	if ps.Total > 0 {
		m.poolUtilization.WithLabelValues(ps.Name).Set(float64(ps.Allocated) / float64(ps.Total))
	}
	m.poolAvailable.WithLabelValues(ps.Name).Set(float64(ps.Available))
	m.poolAllocated.WithLabelValues(ps.Name).Set(float64(ps.Allocated))
}

// StartCollector collects pool metrics every interval until stopCh closes
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}
