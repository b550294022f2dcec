package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics methods are safe on a nil receiver so components can run without
// instrumentation in tests.
type Metrics struct {
	authAttempts       *prometheus.CounterVec
	controllerRequests *prometheus.CounterVec
	controllerLatency  *prometheus.HistogramVec
	rateLimited        *prometheus.CounterVec
	mailJobs           *prometheus.CounterVec
	sessionsExpired    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "auth_attempts_total",
			Help:      "Terminal guest authorization attempts by method and result.",
		}, []string{"method", "result", "reason"}),
		controllerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "controller_requests_total",
			Help:      "Wireless controller API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		controllerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal",
			Name:      "controller_request_seconds",
			Help:      "Wireless controller API call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"scope"}),
		mailJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "mail_jobs_total",
			Help:      "Verification mail jobs by outcome.",
		}, []string{"outcome"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "sessions_expired_total",
			Help:      "Portal sessions moved to expired by the sweeper.",
		}),
	}
	reg.MustRegister(m.authAttempts, m.controllerRequests, m.controllerLatency, m.rateLimited, m.mailJobs, m.sessionsExpired)
	return m
}

func (m *Metrics) AuthAttempt(method, result, reason string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(method, result, reason).Inc()
}

func (m *Metrics) ControllerRequest(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.controllerRequests.WithLabelValues(operation, outcome).Inc()
	m.controllerLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) MailJob(outcome string) {
	if m == nil {
		return
	}
	m.mailJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsExpired.Add(float64(n))
}
