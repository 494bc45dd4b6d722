package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopledger.org/internal/ledger"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Ledger metrics
var (
	ledgerLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_loads_total",
			Help: "Bulk ledger loads by outcome.",
		},
		[]string{"status"},
	)

	ledgerNotices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_notices_total",
			Help: "Receipt-created notices applied, by whether a ledger was merged or created.",
		},
		[]string{"result"},
	)

	ledgerPayments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_payments_total",
			Help: "Payment commands by outcome.",
		},
		[]string{"result"},
	)

	ledgerUnapplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_payment_unapplied_amount_total",
		Help: "Payment amounts that exceeded the receipt's pending amount.",
	})

	ledgerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_ledgers",
		Help: "Ledgers held in the store.",
	})

	ledgerPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_pending_amount",
		Help: "Sum of pending amounts over all ledgers.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ledgerLoads, ledgerNotices, ledgerPayments, ledgerUnapplied,
			ledgerCount, ledgerPending, readyGauge,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath folds ledger ids out of paths to keep label cardinality bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	const prefix = "/v1/ledgers/"
	if !strings.HasPrefix(p, prefix) {
		return p
	}
	rest := strings.Split(strings.TrimPrefix(p, prefix), "/")
	switch {
	case len(rest) == 1 && (rest[0] == "summary" || rest[0] == "refresh"):
		return p
	case len(rest) == 1:
		return prefix + ":id"
	case len(rest) == 2 && rest[1] == "payments":
		return prefix + ":id/payments"
	}
	return p
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind Instrument.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RecordLoad counts a bulk load outcome.
func RecordLoad(err error) {
	if err != nil {
		ledgerLoads.WithLabelValues("error").Inc()
		return
	}
	ledgerLoads.WithLabelValues("ok").Inc()
}

// RecordPaymentRejected counts payments refused before reaching a ledger.
func RecordPaymentRejected(reason string) {
	ledgerPayments.WithLabelValues(reason).Inc()
}

// LedgerMetrics keeps the ledger gauges in step with the store.
type LedgerMetrics struct {
	mu      sync.Mutex
	pending map[string]float64
}

var _ ledger.Observer = (*LedgerMetrics)(nil)

func NewLedgerMetrics() *LedgerMetrics {
	return &LedgerMetrics{pending: make(map[string]float64)}
}

func (m *LedgerMetrics) LedgersLoaded(ledgers []ledger.Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[string]float64, len(ledgers))
	total := 0.0
	for _, l := range ledgers {
		v := l.TotalPendingAmount.Float64()
		m.pending[l.ID] = v
		total += v
	}
	ledgerCount.Set(float64(len(ledgers)))
	ledgerPending.Set(total)
	SetReady(true)
}

func (m *LedgerMetrics) NoticeApplied(l ledger.Ledger, created bool) {
	if created {
		ledgerNotices.WithLabelValues("created").Inc()
		ledgerCount.Inc()
	} else {
		ledgerNotices.WithLabelValues("merged").Inc()
	}
	m.track(l)
}

func (m *LedgerMetrics) PaymentApplied(res ledger.PaymentResult) {
	a := res.Allocation
	switch {
	case !a.Matched:
		ledgerPayments.WithLabelValues("unknown_receipt").Inc()
	case a.Settled:
		ledgerPayments.WithLabelValues("settled").Inc()
	default:
		ledgerPayments.WithLabelValues("partial").Inc()
	}
	if a.Matched && a.Unapplied.IsPositive() {
		ledgerUnapplied.Add(a.Unapplied.Float64())
	}
	m.track(res.Ledger)
}

func (m *LedgerMetrics) track(l ledger.Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := l.TotalPendingAmount.Float64()
	ledgerPending.Add(v - m.pending[l.ID])
	m.pending[l.ID] = v
}
