package telemetry

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/event"
)

const namespace = "quizrank"

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	AttemptsGraded *prometheus.CounterVec
	BadgesUnlocked *prometheus.CounterVec
	AttemptScore   prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsGraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_graded_total",
			Help:      "Graded quiz attempts.",
		}, []string{"resubmission"}),

		BadgesUnlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badges_unlocked_total",
			Help:      "Badges unlocked, by badge.",
		}, []string{"badge"}),

		AttemptScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_score_ratio",
			Help:      "Fraction of questions answered correctly per attempt.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(m.AttemptsGraded, m.BadgesUnlocked, m.AttemptScore, m.HTTPRequests, m.HTTPDuration)
	return m
}

// Subscribe counts domain events published on eb.
func (m *Metrics) Subscribe(eb *event.Bus) {
	eb.Subscribe(domain.EventNameAttemptGraded, func(_ context.Context, e event.Event) error {
		g := e.(domain.EventAttemptGraded)
		m.AttemptsGraded.WithLabelValues(strconv.FormatBool(g.Resubmission)).Inc()
		if g.Attempt.TotalQuestions > 0 {
			m.AttemptScore.Observe(float64(g.Attempt.Score) / float64(g.Attempt.TotalQuestions))
		}
		return nil
	})

	eb.Subscribe(domain.EventNameBadgeUnlocked, func(_ context.Context, e event.Event) error {
		m.BadgesUnlocked.WithLabelValues(e.(domain.EventBadgeUnlocked).Badge).Inc()
		return nil
	})
}
