// Package metrics holds the prometheus collectors of the publisher. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proof_publisher"

type Metrics struct {
	jobs          *prometheus.CounterVec
	polls         *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	provingTime   prometheus.Histogram
	validations   *prometheus.CounterVec
	submissions   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Proof jobs by terminal state.",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Status polls by reported phase.",
		}, []string{"phase"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Failed backend calls by operation.",
		}, []string{"op"}),
		provingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proving_seconds",
			Help:      "Time from submission to a fetched receipt.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Receipt validations by outcome.",
		}, []string{"outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "On-chain submissions by result.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.jobs, m.polls, m.backendErrors, m.provingTime, m.validations, m.submissions)
	return m
}

func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Polled(phase string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(phase).Inc()
}

func (m *Metrics) BackendError(op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Proved(d time.Duration) {
	if m == nil {
		return
	}
	m.provingTime.Observe(d.Seconds())
}

func (m *Metrics) Validated(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Submitted(status string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(status).Inc()
}
