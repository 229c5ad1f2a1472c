// Package metrics exposes Prometheus instrumentation for the authorization flow and the HTTP
// surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oauth2gate/flow"
)

// Metrics holds the collectors registered for one gateway instance.
type Metrics struct {
	gatherer prometheus.Gatherer

	authorizations   *prometheus.CounterVec
	callbacks        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	rateLimited      prometheus.Counter
}

// New registers the collectors with reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oauth2gate",
			Name:      "authorizations_total",
			Help:      "Authorization redirects issued.",
		}, []string{"provider"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oauth2gate",
			Name:      "callbacks_total",
			Help:      "Provider callbacks handled by outcome.",
		}, []string{"provider", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oauth2gate",
			Name:      "exchange_duration_seconds",
			Help:      "Latency of the code exchange and profile fetch.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oauth2gate",
			Name:      "http_requests_total",
			Help:      "HTTP requests processed.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oauth2gate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oauth2gate",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.authorizations, m.callbacks, m.exchangeDuration,
		m.httpRequests, m.httpDuration, m.rateLimited,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var _ flow.Recorder = (*Metrics)(nil)

func (m *Metrics) AuthorizationStarted(provider string) {
	m.authorizations.WithLabelValues(provider).Inc()
}

func (m *Metrics) CallbackFinished(provider, outcome string) {
	m.callbacks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ExchangeObserved(provider string, d time.Duration, err error) {
	m.exchangeDuration.WithLabelValues(provider, flow.Outcome(err)).Observe(d.Seconds())
}

// ObserveHTTP records one served request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RateLimited counts a request rejected by the rate limiter.
func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
