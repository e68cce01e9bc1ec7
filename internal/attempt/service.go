package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/grading"
	"github.com/victornm/quizrank/internal/reward"
	"github.com/victornm/quizrank/internal/store"
)

type Config struct {
	EventBus *event.Bus
	Store    store.Store
	// Quizzes defaults to Store. Set it to put a cache in front of question lookups.
	Quizzes store.QuizRepository
	Ledger  *reward.Ledger
	Now     func() time.Time
}

type Service struct {
	eb      *event.Bus
	store   store.Store
	quizzes store.QuizRepository
	ledger  *reward.Ledger
	now     func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:      c.EventBus,
		store:   c.Store,
		quizzes: c.Quizzes,
		ledger:  c.Ledger,
		now:     c.Now,
	}

	if s.quizzes == nil {
		s.quizzes = c.Store
	}
	if s.ledger == nil {
		s.ledger = reward.NewLedger(reward.Config{})
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type SubmitAttemptRequest struct {
	UserID string
	QuizID string
	// Answers maps question ID to the selected option ID.
	Answers map[string]string
}

type SubmitAttemptResponse struct {
	Attempt        domain.Attempt
	Score          int
	TotalQuestions int
	PointsEarned   int
	TotalPoints    int
	UnlockedBadges []string
}

// SubmitAttempt grades the submission, reconciles the user's points and badges
// against their previous attempt at the quiz, and stores the new attempt. The
// reconciliation and both writes happen in one per-user transaction.
func (s *Service) SubmitAttempt(ctx context.Context, req SubmitAttemptRequest) (*SubmitAttemptResponse, error) {
	if err := s.ensureQuiz(ctx, req.QuizID); err != nil {
		return nil, err
	}

	questions, err := s.quizzes.GetQuestions(ctx, req.QuizID)
	if err != nil {
		return nil, fmt.Errorf("get questions: quiz=%s: %w", req.QuizID, err)
	}

	graded := grading.Grade(questions, domain.Submission{
		QuizID:  req.QuizID,
		UserID:  req.UserID,
		Answers: req.Answers,
	})

	var (
		rec     reward.Reconciliation
		attempt domain.Attempt
	)
	err = s.store.WithinUser(ctx, req.UserID, func(ctx context.Context, tx store.Tx) error {
		user, err := tx.GetUser(ctx)
		if err != nil {
			return err
		}

		prev, err := tx.GetAttempt(ctx, req.QuizID)
		if err != nil {
			return fmt.Errorf("get previous attempt: %w", err)
		}

		rec = s.ledger.Reconcile(*user, prev, req.QuizID, graded.Score)

		attempt = domain.Attempt{
			UserID:         req.UserID,
			QuizID:         req.QuizID,
			Score:          graded.Score,
			TotalQuestions: graded.TotalQuestions,
			Answers:        graded.Answers,
			CompletedAt:    s.now().UTC(),
		}
		if prev != nil {
			attempt.AttemptID = prev.AttemptID
		} else {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate attempt ID: %w", err)
			}
			attempt.AttemptID = id.String()
		}

		if err := tx.UpsertAttempt(ctx, &attempt); err != nil {
			return fmt.Errorf("upsert attempt: %w", err)
		}

		if err := tx.SaveUser(ctx, &rec.User); err != nil {
			return fmt.Errorf("save user: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "attempt: graded",
		"user", req.UserID,
		"quiz", req.QuizID,
		"score", graded.Score,
		"total_questions", graded.TotalQuestions,
		"resubmission", rec.Resubmission,
		"points", rec.User.Points,
	)

	s.publish(ctx, attempt, rec)

	return &SubmitAttemptResponse{
		Attempt:        attempt,
		Score:          graded.Score,
		TotalQuestions: graded.TotalQuestions,
		PointsEarned:   rec.PointsEarned,
		TotalPoints:    rec.User.Points,
		UnlockedBadges: rec.Unlocked,
	}, nil
}

func (s *Service) publish(ctx context.Context, a domain.Attempt, rec reward.Reconciliation) {
	if s.eb == nil {
		return
	}

	s.eb.Publish(ctx, domain.EventAttemptGraded{
		Attempt:      a,
		PointsEarned: rec.PointsEarned,
		TotalPoints:  rec.User.Points,
		Resubmission: rec.Resubmission,
	})

	for _, b := range rec.Unlocked {
		s.eb.Publish(ctx, domain.EventBadgeUnlocked{
			UserID: a.UserID,
			Badge:  b,
			Points: rec.User.Points,
		})
	}
}

type ListUserAttemptsRequest struct {
	UserID string
}

// ListUserAttempts returns the user's current attempts, most recent first.
func (s *Service) ListUserAttempts(ctx context.Context, req ListUserAttemptsRequest) ([]domain.Attempt, error) {
	attempts, err := s.store.ListAttemptsByUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: user=%s: %w", req.UserID, err)
	}

	sortRecentFirst(attempts)
	return attempts, nil
}

type ListQuizAttemptsRequest struct {
	QuizID string
}

// ListQuizAttempts returns every user's current attempt at the quiz, most recent first.
func (s *Service) ListQuizAttempts(ctx context.Context, req ListQuizAttemptsRequest) ([]domain.Attempt, error) {
	if err := s.ensureQuiz(ctx, req.QuizID); err != nil {
		return nil, err
	}

	attempts, err := s.store.ListAttemptsByQuiz(ctx, req.QuizID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: quiz=%s: %w", req.QuizID, err)
	}

	sortRecentFirst(attempts)
	return attempts, nil
}

type GetRewardsRequest struct {
	UserID string
}

// GetRewards returns the user's points, badges and attempted quizzes.
func (s *Service) GetRewards(ctx context.Context, req GetRewardsRequest) (*domain.UserRewardState, error) {
	return s.store.GetUser(ctx, req.UserID)
}

func (s *Service) ensureQuiz(ctx context.Context, quizID string) error {
	ok, err := s.quizzes.QuizExists(ctx, quizID)
	if err != nil {
		return fmt.Errorf("check quiz: quiz=%s: %w", quizID, err)
	}

	if !ok {
		return errors.NotFound("quiz not found: quiz=%s", quizID)
	}

	return nil
}

func sortRecentFirst(as []domain.Attempt) {
	sort.SliceStable(as, func(i, j int) bool {
		return as[i].CompletedAt.After(as[j].CompletedAt)
	})
}
