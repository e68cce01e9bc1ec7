package api

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/victornm/quizrank/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	AttemptGraded struct {
		AttemptID      string `json:"attempt_id"`
		QuizID         string `json:"quiz_id"`
		Score          int    `json:"score"`
		TotalQuestions int    `json:"total_questions"`
		PointsEarned   int    `json:"points_earned"`
		TotalPoints    int    `json:"total_points"`
		Resubmission   bool   `json:"resubmission"`
	}

	BadgeUnlocked struct {
		Badge  string `json:"badge"`
		Points int    `json:"points"`
	}
)

func (a *API) PublishAttemptGraded(ctx context.Context, e domain.EventAttemptGraded) error {
	return a.publishNotification(ctx, e.Attempt.UserID, e.Name(), AttemptGraded{
		AttemptID:      e.Attempt.AttemptID,
		QuizID:         e.Attempt.QuizID,
		Score:          e.Attempt.Score,
		TotalQuestions: e.Attempt.TotalQuestions,
		PointsEarned:   e.PointsEarned,
		TotalPoints:    e.TotalPoints,
		Resubmission:   e.Resubmission,
	})
}

func (a *API) PublishBadgeUnlocked(ctx context.Context, e domain.EventBadgeUnlocked) error {
	return a.publishNotification(ctx, e.UserID, e.Name(), BadgeUnlocked{
		Badge:  e.Badge,
		Points: e.Points,
	})
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, UserChannel(a.prefix, user), b).Err()
}

// UserChannel is the pub/sub channel carrying notifications for one user.
func UserChannel(prefix, user string) string {
	return fmt.Sprintf("%s:user:%s", prefix, user)
}
