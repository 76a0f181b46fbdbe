package metrics

import (
	"net/http"
	"strconv"
	"time"

	"postrelay/internal/models"
	"postrelay/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postrelay"

var workerStates = []models.WorkerState{
	models.WorkerStopped,
	models.WorkerStarting,
	models.WorkerRunning,
	models.WorkerCoolingDown,
}

// Metrics holds all Prometheus collectors for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth      *prometheus.GaugeVec
	PublishAttempts *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	ItemsPublished  *prometheus.CounterVec
	ItemsDropped    *prometheus.CounterVec
	Cooldowns       prometheus.Counter
	WorkerState     *prometheus.GaugeVec
	LedgerRemaining *prometheus.GaugeVec
	LedgerAvailable *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of items waiting in each queue",
		}, []string{"queue"}),
		PublishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Publish calls by account and outcome",
		}, []string{"account", "outcome"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Latency of publish calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"account"}),
		ItemsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_published_total",
			Help:      "Queue items fully published",
		}, []string{"kind"}),
		ItemsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dropped_total",
			Help:      "Queue items dropped without being published",
		}, []string{"reason"}),
		Cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_total",
			Help:      "Times the worker entered cooldown",
		}),
		WorkerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "1 for the worker's current state, 0 otherwise",
		}, []string{"state"}),
		LedgerRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_remaining_calls",
			Help:      "Calls left in the current window per account",
		}, []string{"account"}),
		LedgerAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_account_available",
			Help:      "1 when the account may be used",
		}, []string{"account"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per account (0 closed, 1 open, 2 half-open)",
		}, []string{"account"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.QueueDepth,
		m.PublishAttempts,
		m.PublishDuration,
		m.ItemsPublished,
		m.ItemsDropped,
		m.Cooldowns,
		m.WorkerState,
		m.LedgerRemaining,
		m.LedgerAvailable,
		m.BreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetQueueDepth(posts, threads int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("post").Set(float64(posts))
	m.QueueDepth.WithLabelValues("thread").Set(float64(threads))
}

// ObservePublish records one publish call
func (m *Metrics) ObservePublish(accountID int, kind models.ErrorKind, d time.Duration) {
	if m == nil {
		return
	}
	account := strconv.Itoa(accountID)
	outcome := string(kind)
	if kind == models.ErrorKindNone {
		outcome = "success"
	}
	m.PublishAttempts.WithLabelValues(account, outcome).Inc()
	m.PublishDuration.WithLabelValues(account).Observe(d.Seconds())
}

func (m *Metrics) IncPublished(kind models.ItemKind) {
	if m == nil {
		return
	}
	m.ItemsPublished.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.ItemsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCooldown() {
	if m == nil {
		return
	}
	m.Cooldowns.Inc()
}

// SetWorkerState marks state as current and clears the others
func (m *Metrics) SetWorkerState(state models.WorkerState) {
	if m == nil {
		return
	}
	for _, s := range workerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.WorkerState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveLedger mirrors a ledger snapshot into gauges
func (m *Metrics) ObserveLedger(quotas []models.AccountQuota) {
	if m == nil {
		return
	}
	for _, q := range quotas {
		account := strconv.Itoa(q.AccountID)
		m.LedgerRemaining.WithLabelValues(account).Set(float64(q.Remaining))
		available := 0.0
		if q.Available {
			available = 1
		}
		m.LedgerAvailable.WithLabelValues(account).Set(available)
	}
}

func (m *Metrics) SetBreakerState(accountID int, state circuitbreaker.State) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(strconv.Itoa(accountID)).Set(float64(state))
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}
