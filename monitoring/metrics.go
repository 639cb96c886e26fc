// Package monitoring exposes Prometheus metrics and health checks.
package monitoring

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fly2any/referral-engine/referral"
)

// Metrics manages Prometheus metrics for the service. It implements
// referral.Recorder so the engine reports ledger events directly.
type Metrics struct {
	serviceName string
	gatherer    prometheus.Gatherer

	// Standard HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	activeConnections   prometheus.Gauge

	// Ledger metrics
	referralsCreated *prometheus.CounterVec
	grantsTotal      *prometheus.CounterVec
	pointsAwarded    *prometheus.CounterVec
	pointsUnlocked   prometheus.Counter
	pointsForfeited  *prometheus.CounterVec
	pointsRedeemed   prometheus.Counter
	balanceRepairs   prometheus.Counter
}

var _ referral.Recorder = (*Metrics)(nil)

// NewMetrics registers the service metrics on a fresh registry.
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewMetricsWith(serviceName, reg, reg)
}

// NewMetricsWith registers on reg and serves from gatherer.
func NewMetricsWith(serviceName string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	// Sanitize service name for Prometheus (replace hyphens with underscores)
	name := strings.ReplaceAll(serviceName, "-", "_")

	m := &Metrics{serviceName: name, gatherer: gatherer}

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    name + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	m.activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name + "_active_connections",
		Help: "Number of in-flight HTTP requests",
	})

	m.referralsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name + "_referrals_created_total",
			Help: "Referral relationships created, by level",
		},
		[]string{"level"},
	)
	m.grantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name + "_points_grants_total",
			Help: "Locked point grants recorded, by level",
		},
		[]string{"level"},
	)
	m.pointsAwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name + "_points_awarded_total",
			Help: "Points granted as locked, by level",
		},
		[]string{"level"},
	)
	m.pointsUnlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: name + "_points_unlocked_total",
		Help: "Points moved from locked to available",
	})
	m.pointsForfeited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: name + "_points_forfeited_total",
			Help: "Points expired by cancelled or refunded trips",
		},
		[]string{"reason"},
	)
	m.pointsRedeemed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: name + "_points_redeemed_total",
		Help: "Points redeemed from available balances",
	})
	m.balanceRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: name + "_balance_repairs_total",
		Help: "User balances rewritten by reconciliation",
	})

	reg.MustRegister(
		m.httpRequestsTotal, m.httpRequestDuration, m.activeConnections,
		m.referralsCreated, m.grantsTotal, m.pointsAwarded, m.pointsUnlocked,
		m.pointsForfeited, m.pointsRedeemed, m.balanceRepairs,
	)
	return m
}

// =============================================================================
// referral.Recorder
// =============================================================================

func (m *Metrics) ReferralCreated(level int) {
	m.referralsCreated.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *Metrics) PointsGranted(level int, points int64) {
	l := strconv.Itoa(level)
	m.grantsTotal.WithLabelValues(l).Inc()
	m.pointsAwarded.WithLabelValues(l).Add(float64(points))
}

func (m *Metrics) PointsUnlocked(points int64) {
	m.pointsUnlocked.Add(float64(points))
}

func (m *Metrics) PointsForfeited(reason referral.ForfeitReason, points int64) {
	m.pointsForfeited.WithLabelValues(string(reason)).Add(float64(points))
}

func (m *Metrics) PointsRedeemed(points int64) {
	m.pointsRedeemed.Add(float64(points))
}

func (m *Metrics) BalancesRepaired() {
	m.balanceRepairs.Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.activeConnections.Inc()
		defer m.activeConnections.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
