package memory_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/store"
	"github.com/victornm/quizrank/internal/store/memory"
)

func TestStore_UpsertAttemptReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	s := makeStore(t)

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	upsert(t, s, domain.Attempt{
		AttemptID: "a1", UserID: "u1", QuizID: "q1", Score: 2, TotalQuestions: 5,
		Answers: []domain.Answer{{QuestionID: "x", SelectedOption: "y"}}, CompletedAt: first,
	})
	upsert(t, s, domain.Attempt{
		AttemptID: "a2", UserID: "u1", QuizID: "q1", Score: 4, TotalQuestions: 6,
		CompletedAt: first.Add(time.Hour),
	})

	got, err := s.GetAttempt(ctx, "u1", "q1")
	require.NoError(t, err)
	require.Equal(t, &domain.Attempt{
		AttemptID: "a1", UserID: "u1", QuizID: "q1", Score: 4, TotalQuestions: 6,
		CompletedAt: first.Add(time.Hour),
	}, got, "record should keep its identity and take the new result")

	all, err := s.ListAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "exactly one attempt per (user, quiz)")
}

func TestStore_GetAttemptMissing(t *testing.T) {
	s := makeStore(t)

	got, err := s.GetAttempt(context.Background(), "u1", "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_ListAttempts(t *testing.T) {
	ctx := context.Background()
	s := makeStore(t)

	upsert(t, s, domain.Attempt{UserID: "u2", QuizID: "q1", Score: 1})
	upsert(t, s, domain.Attempt{UserID: "u1", QuizID: "q2", Score: 2})
	upsert(t, s, domain.Attempt{UserID: "u1", QuizID: "q1", Score: 3})

	byUser, err := s.ListAttemptsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"q1", "q2"}, quizIDs(byUser))

	byQuiz, err := s.ListAttemptsByQuiz(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, byQuiz, 2)
	require.Equal(t, "u1", byQuiz[0].UserID)
	require.Equal(t, "u2", byQuiz[1].UserID)
}

func TestStore_WithinUserRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := makeStore(t)
	boom := stderrors.New("boom")

	err := s.WithinUser(ctx, "u1", func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.UpsertAttempt(ctx, &domain.Attempt{UserID: "u1", QuizID: "q1", Score: 3}))
		require.NoError(t, tx.SaveUser(ctx, &domain.UserRewardState{UserID: "u1", Points: 999}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	a, err := s.GetAttempt(ctx, "u1", "q1")
	require.NoError(t, err)
	require.Nil(t, a, "attempt should not be written")

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, u.Points, "user should not be written")
}

func TestStore_TxReadsItsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := makeStore(t)

	err := s.WithinUser(ctx, "u1", func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.UpsertAttempt(ctx, &domain.Attempt{UserID: "u1", QuizID: "q1", Score: 3}))
		require.NoError(t, tx.SaveUser(ctx, &domain.UserRewardState{UserID: "u1", Username: "alice", Points: 35}))

		a, err := tx.GetAttempt(ctx, "q1")
		require.NoError(t, err)
		require.Equal(t, 3, a.Score)

		u, err := tx.GetUser(ctx)
		require.NoError(t, err)
		require.Equal(t, 35, u.Points)

		// Uncommitted writes are invisible outside the transaction.
		outside, err := s.GetAttempt(ctx, "u1", "q1")
		require.NoError(t, err)
		require.Nil(t, outside)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_TxRejectsOtherUsers(t *testing.T) {
	ctx := context.Background()
	s := makeStore(t)

	err := s.WithinUser(ctx, "u1", func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAttempt(ctx, &domain.Attempt{UserID: "u2", QuizID: "q1"})
	})
	require.Error(t, err)
}

func TestStore_GetUserNotFound(t *testing.T) {
	s := memory.New()

	_, err := s.GetUser(context.Background(), "ghost")
	require.True(t, errors.Is(err, errors.CodeNotFound))

	err = s.WithinUser(context.Background(), "ghost", func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetUser(ctx)
		return err
	})
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestStore_ListUsersFilter(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.PutUser(domain.UserRewardState{UserID: "u1", Role: domain.RoleUser})
	s.PutUser(domain.UserRewardState{UserID: "admin", Role: domain.RoleAdmin})
	s.PutUser(domain.UserRewardState{UserID: "u2", Role: domain.RoleUser})

	users, err := s.ListUsers(ctx, store.UserFilter{Role: domain.RoleUser})
	require.NoError(t, err)
	assert.Len(t, users, 2)

	users, err = s.ListUsers(ctx, store.UserFilter{IDs: []string{"admin", "u2"}})
	require.NoError(t, err)
	assert.Len(t, users, 2)

	users, err = s.ListUsers(ctx, store.UserFilter{})
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestStore_Quizzes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.PutQuiz("q1", []domain.Question{{QuestionID: "x"}})

	ok, err := s.QuizExists(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.QuizExists(ctx, "q2")
	require.NoError(t, err)
	require.False(t, ok)

	qs, err := s.GetQuestions(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, qs, 1)

	_, err = s.GetQuestions(ctx, "q2")
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

// Readers running concurrently with transactions must see the attempt and the
// user's points move together.
func TestStore_ReadersNeverSeeHalfAppliedTx(t *testing.T) {
	ctx := context.Background()
	s := makeStore(t)

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			err := s.WithinUser(ctx, "u1", func(ctx context.Context, tx store.Tx) error {
				if err := tx.UpsertAttempt(ctx, &domain.Attempt{UserID: "u1", QuizID: "q1", Score: i}); err != nil {
					return err
				}
				return tx.SaveUser(ctx, &domain.UserRewardState{UserID: "u1", Points: i})
			})
			assert.NoError(t, err)
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}

		snapshotConsistent(t, s)
	}
}

func snapshotConsistent(t *testing.T, s *memory.Store) {
	t.Helper()

	// The user is read before the attempt, so the attempt may only be ahead.
	users, err := s.ListUsers(context.Background(), store.UserFilter{IDs: []string{"u1"}})
	require.NoError(t, err)
	attempts, err := s.ListAttemptsByUser(context.Background(), "u1")
	require.NoError(t, err)

	if len(attempts) == 0 {
		return
	}
	require.GreaterOrEqual(t, attempts[0].Score, users[0].Points, "attempt read later should never lag the user read earlier")
}

func makeStore(t *testing.T) *memory.Store {
	t.Helper()

	s := memory.New()
	s.PutUser(domain.UserRewardState{UserID: "u1", Username: "alice", Role: domain.RoleUser})
	s.PutUser(domain.UserRewardState{UserID: "u2", Username: "bob", Role: domain.RoleUser})
	return s
}

func upsert(t *testing.T, s *memory.Store, a domain.Attempt) {
	t.Helper()

	err := s.WithinUser(context.Background(), a.UserID, func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAttempt(ctx, &a)
	})
	require.NoError(t, err)
}

func quizIDs(as []domain.Attempt) []string {
	ids := make([]string, 0, len(as))
	for _, a := range as {
		ids = append(ids, a.QuizID)
	}
	return ids
}
