// Package ranking computes leaderboards from the attempt history on demand.
package ranking

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/store"
)

var hundred = decimal.NewFromInt(100)

type Config struct {
	Store store.Store
	// Quizzes defaults to Store.
	Quizzes store.QuizRepository
}

type Service struct {
	store   store.Store
	quizzes store.QuizRepository
}

func NewService(c Config) *Service {
	s := &Service{
		store:   c.Store,
		quizzes: c.Quizzes,
	}
	if s.quizzes == nil {
		s.quizzes = c.Store
	}
	return s
}

type RankQuizRequest struct {
	QuizID string
}

// RankQuiz orders the quiz's attempts by score, highest first. Ties go to the
// lower user ID.
func (s *Service) RankQuiz(ctx context.Context, req RankQuizRequest) ([]domain.QuizRank, error) {
	ok, err := s.quizzes.QuizExists(ctx, req.QuizID)
	if err != nil {
		return nil, fmt.Errorf("check quiz: quiz=%s: %w", req.QuizID, err)
	}
	if !ok {
		return nil, errors.NotFound("quiz not found: quiz=%s", req.QuizID)
	}

	attempts, err := s.store.ListAttemptsByQuiz(ctx, req.QuizID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: quiz=%s: %w", req.QuizID, err)
	}

	// The store keeps one attempt per user and quiz; keep the best anyway so a
	// store that retains history still yields one row per user.
	best := make(map[string]domain.Attempt, len(attempts))
	for _, a := range attempts {
		if cur, ok := best[a.UserID]; !ok || a.Score > cur.Score {
			best[a.UserID] = a
		}
	}

	users, err := s.usersByID(ctx, keys(best))
	if err != nil {
		return nil, err
	}

	ranks := make([]domain.QuizRank, 0, len(best))
	for id, a := range best {
		ranks = append(ranks, domain.QuizRank{
			UserID:         id,
			Username:       users[id].Username,
			Score:          a.Score,
			TotalQuestions: a.TotalQuestions,
			CompletedAt:    a.CompletedAt,
		})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Score != ranks[j].Score {
			return ranks[i].Score > ranks[j].Score
		}
		return ranks[i].UserID < ranks[j].UserID
	})

	for i := range ranks {
		ranks[i].Rank = i + 1
	}

	return ranks, nil
}

// RankGlobal orders users by accuracy across all their current attempts. Ties
// go to more correct answers, then to the lower user ID.
func (s *Service) RankGlobal(ctx context.Context) ([]domain.AccuracyRank, error) {
	var (
		attempts []domain.Attempt
		users    []domain.UserRewardState
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		attempts, err = s.store.ListAttempts(gctx)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		users, err = s.store.ListUsers(gctx, store.UserFilter{})
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]domain.UserRewardState, len(users))
	for _, u := range users {
		byID[u.UserID] = u
	}

	totals := make(map[string]*domain.AccuracyRank)
	for _, a := range attempts {
		r, ok := totals[a.UserID]
		if !ok {
			u := byID[a.UserID]
			r = &domain.AccuracyRank{
				UserID:   a.UserID,
				Username: u.Username,
				Badges:   u.Badges,
			}
			totals[a.UserID] = r
		}

		r.TotalCorrect += a.Score
		r.TotalQuestions += a.TotalQuestions
		r.Attempts++
	}

	ranks := make([]domain.AccuracyRank, 0, len(totals))
	for _, r := range totals {
		r.Accuracy = Accuracy(r.TotalCorrect, r.TotalQuestions)
		ranks = append(ranks, *r)
	}

	sort.Slice(ranks, func(i, j int) bool {
		if c := ranks[i].Accuracy.Cmp(ranks[j].Accuracy); c != 0 {
			return c > 0
		}
		if ranks[i].TotalCorrect != ranks[j].TotalCorrect {
			return ranks[i].TotalCorrect > ranks[j].TotalCorrect
		}
		return ranks[i].UserID < ranks[j].UserID
	})

	for i := range ranks {
		ranks[i].Rank = i + 1
	}

	return ranks, nil
}

// RankPoints orders regular users by cumulative points. Ties go to the lower
// user ID. Users without any attempt are included with zero points.
func (s *Service) RankPoints(ctx context.Context) ([]domain.PointsRank, error) {
	users, err := s.store.ListUsers(ctx, store.UserFilter{Role: domain.RoleUser})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	ranks := make([]domain.PointsRank, 0, len(users))
	for _, u := range users {
		ranks = append(ranks, domain.PointsRank{
			UserID:           u.UserID,
			Username:         u.Username,
			Points:           u.Points,
			QuizzesCompleted: len(u.AttemptedQuizzes),
			Badges:           u.Badges,
		})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Points != ranks[j].Points {
			return ranks[i].Points > ranks[j].Points
		}
		return ranks[i].UserID < ranks[j].UserID
	})

	for i := range ranks {
		ranks[i].Rank = i + 1
	}

	return ranks, nil
}

// Accuracy returns correct/total as a percentage, or zero when total is zero.
func Accuracy(correct, total int) decimal.Decimal {
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(correct)).Mul(hundred).Div(decimal.NewFromInt(int64(total)))
}

func (s *Service) usersByID(ctx context.Context, ids []string) (map[string]domain.UserRewardState, error) {
	if len(ids) == 0 {
		return map[string]domain.UserRewardState{}, nil
	}

	users, err := s.store.ListUsers(ctx, store.UserFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	m := make(map[string]domain.UserRewardState, len(users))
	for _, u := range users {
		m[u.UserID] = u
	}
	return m, nil
}

func keys[V any](m map[string]V) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
