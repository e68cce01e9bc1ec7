package telemetry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/telemetry"
)

func TestMetrics_Subscribe(t *testing.T) {
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	eb := event.NewBus(event.Config{})
	m.Subscribe(eb)

	ctx := context.Background()
	eb.Publish(ctx, domain.EventAttemptGraded{Attempt: domain.Attempt{Score: 3, TotalQuestions: 5}})
	eb.Publish(ctx, domain.EventAttemptGraded{Attempt: domain.Attempt{Score: 4, TotalQuestions: 5}, Resubmission: true})
	eb.Publish(ctx, domain.EventAttemptGraded{Attempt: domain.Attempt{Score: 0, TotalQuestions: 0}, Resubmission: true})
	eb.Publish(ctx, domain.EventBadgeUnlocked{UserID: "u1", Badge: "IPR Beginner", Points: 55})
	eb.Stop()

	require.Equal(t, 1.0, testutil.ToFloat64(m.AttemptsGraded.WithLabelValues("false")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.AttemptsGraded.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BadgesUnlocked.WithLabelValues("IPR Beginner")))
	require.Equal(t, 1, testutil.CollectAndCount(m.AttemptScore))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := telemetry.NewMetrics(prometheus.NewRegistry())

	e := gin.New()
	e.Use(telemetry.GinMiddleware(m))
	e.GET("/v1/quizzes/:quiz_id/leaderboard", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, path := range []string{"/v1/quizzes/q1/leaderboard", "/v1/quizzes/q2/leaderboard", "/nope"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/v1/quizzes/:quiz_id/leaderboard", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "unmatched", "404")))
}

func TestMonitorRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	require.NoError(t, telemetry.MonitorRedis(rc))

	require.NoError(t, rc.Set(ctx, "k", "v", 0).Err())
	require.ErrorIs(t, rc.Get(ctx, "missing").Err(), redis.Nil)

	_, err := rc.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, "n")
		p.Incr(ctx, "n")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "2", mustGet(t, rs, "n"))
}

func mustGet(t *testing.T, rs *miniredis.Miniredis, key string) string {
	t.Helper()

	v, err := rs.Get(key)
	require.NoError(t, err)
	return v
}
