// Package memory is an in-process implementation of store.Store used by tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/lock"
	"github.com/victornm/quizrank/internal/store"
)

type attemptKey struct {
	userID string
	quizID string
}

type Store struct {
	users *lock.Keyed

	// mu guards the maps below. Transactions apply their writes under a single
	// write lock, so readers observe a reconciliation entirely or not at all.
	mu        sync.RWMutex
	attempts  map[attemptKey]domain.Attempt
	rewards   map[string]domain.UserRewardState
	quizzes   map[string][]domain.Question
	userOrder []string
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    lock.NewKeyed(),
		attempts: make(map[attemptKey]domain.Attempt),
		rewards:  make(map[string]domain.UserRewardState),
		quizzes:  make(map[string][]domain.Question),
	}
}

// PutUser creates or replaces a user.
func (s *Store) PutUser(u domain.UserRewardState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rewards[u.UserID]; !ok {
		s.userOrder = append(s.userOrder, u.UserID)
	}
	s.rewards[u.UserID] = cloneUser(u)
}

// PutQuiz creates or replaces a quiz and its question set.
func (s *Store) PutQuiz(quizID string, questions []domain.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quizzes[quizID] = slices.Clone(questions)
}

func (s *Store) QuizExists(_ context.Context, quizID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.quizzes[quizID]
	return ok, nil
}

func (s *Store) GetQuestions(_ context.Context, quizID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qs, ok := s.quizzes[quizID]
	if !ok {
		return nil, errors.NotFound("quiz not found: quiz=%s", quizID)
	}
	return slices.Clone(qs), nil
}

func (s *Store) GetUser(_ context.Context, userID string) (*domain.UserRewardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getUserLocked(userID)
}

func (s *Store) getUserLocked(userID string) (*domain.UserRewardState, error) {
	u, ok := s.rewards[userID]
	if !ok {
		return nil, errors.NotFound("user not found: user=%s", userID)
	}
	u = cloneUser(u)
	return &u, nil
}

func (s *Store) ListUsers(_ context.Context, f store.UserFilter) ([]domain.UserRewardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserRewardState, 0, len(s.rewards))
	for _, id := range s.userOrder {
		u := s.rewards[id]
		if f.Role != "" && u.Role != f.Role {
			continue
		}
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, u.UserID) {
			continue
		}
		users = append(users, cloneUser(u))
	}
	return users, nil
}

func (s *Store) GetAttempt(_ context.Context, userID, quizID string) (*domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getAttemptLocked(userID, quizID), nil
}

func (s *Store) getAttemptLocked(userID, quizID string) *domain.Attempt {
	a, ok := s.attempts[attemptKey{userID: userID, quizID: quizID}]
	if !ok {
		return nil
	}
	a.Answers = slices.Clone(a.Answers)
	return &a
}

func (s *Store) ListAttemptsByUser(_ context.Context, userID string) ([]domain.Attempt, error) {
	return s.listAttempts(func(k attemptKey) bool { return k.userID == userID }), nil
}

func (s *Store) ListAttemptsByQuiz(_ context.Context, quizID string) ([]domain.Attempt, error) {
	return s.listAttempts(func(k attemptKey) bool { return k.quizID == quizID }), nil
}

func (s *Store) ListAttempts(_ context.Context) ([]domain.Attempt, error) {
	return s.listAttempts(func(attemptKey) bool { return true }), nil
}

// listAttempts returns matching attempts ordered by user then quiz, so results
// do not depend on map iteration order.
func (s *Store) listAttempts(match func(attemptKey) bool) []domain.Attempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Attempt, 0)
	for k, a := range s.attempts {
		if !match(k) {
			continue
		}
		a.Answers = slices.Clone(a.Answers)
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].QuizID < out[j].QuizID
	})
	return out
}

func (s *Store) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx store.Tx) error) error {
	unlock, err := s.users.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer unlock()

	tx := &memTx{s: s, userID: userID}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// memTx buffers writes until commit. Reads fall through to the store; that is
// safe because the user's keyed lock is held, so nobody else writes this user's
// records meanwhile.
type memTx struct {
	s        *Store
	userID   string
	user     *domain.UserRewardState
	attempts []domain.Attempt
}

func (t *memTx) GetUser(_ context.Context) (*domain.UserRewardState, error) {
	if t.user != nil {
		u := cloneUser(*t.user)
		return &u, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getUserLocked(t.userID)
}

func (t *memTx) GetAttempt(_ context.Context, quizID string) (*domain.Attempt, error) {
	for i := len(t.attempts) - 1; i >= 0; i-- {
		if t.attempts[i].QuizID == quizID {
			a := t.attempts[i]
			a.Answers = slices.Clone(a.Answers)
			return &a, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getAttemptLocked(t.userID, quizID), nil
}

func (t *memTx) UpsertAttempt(_ context.Context, a *domain.Attempt) error {
	if a.UserID != t.userID {
		return fmt.Errorf("upsert attempt: user %s outside transaction for %s", a.UserID, t.userID)
	}

	c := *a
	c.Answers = slices.Clone(a.Answers)
	t.attempts = append(t.attempts, c)
	return nil
}

func (t *memTx) SaveUser(_ context.Context, u *domain.UserRewardState) error {
	if u.UserID != t.userID {
		return fmt.Errorf("save user: user %s outside transaction for %s", u.UserID, t.userID)
	}

	c := cloneUser(*u)
	t.user = &c
	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, a := range t.attempts {
		k := attemptKey{userID: a.UserID, quizID: a.QuizID}
		if old, ok := t.s.attempts[k]; ok {
			a.AttemptID = old.AttemptID
		}
		t.s.attempts[k] = a
	}

	if t.user != nil {
		if _, ok := t.s.rewards[t.userID]; !ok {
			t.s.userOrder = append(t.s.userOrder, t.userID)
		}
		t.s.rewards[t.userID] = *t.user
	}
}

func cloneUser(u domain.UserRewardState) domain.UserRewardState {
	u.Badges = slices.Clone(u.Badges)
	u.AttemptedQuizzes = slices.Clone(u.AttemptedQuizzes)
	return u
}
