// Package store defines the persistence boundary of the scoring engine: the
// attempt store, and the user and quiz repositories it reads from.
package store

import (
	"context"

	"github.com/victornm/quizrank/internal/domain"
)

// Store holds attempts and user reward state. Implementations enforce that at
// most one attempt exists per (user, quiz).
type Store interface {
	AttemptReader
	UserReader
	QuizRepository

	// WithinUser runs fn with exclusive write access to the user's reward state
	// and attempts. Writes made through tx land together when fn returns nil and
	// not at all otherwise. Calls for the same user are serialized; calls for
	// different users do not wait for each other.
	WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side of a WithinUser call.
type Tx interface {
	// GetUser returns the user being reconciled, or a NotFound error.
	GetUser(ctx context.Context) (*domain.UserRewardState, error)
	// GetAttempt returns the user's attempt at the quiz, or nil when there is none.
	GetAttempt(ctx context.Context, quizID string) (*domain.Attempt, error)
	// UpsertAttempt creates the attempt or overwrites score, total questions,
	// answers and completion time of the existing one. The stored attempt keeps
	// its original ID.
	UpsertAttempt(ctx context.Context, a *domain.Attempt) error
	SaveUser(ctx context.Context, u *domain.UserRewardState) error
}

type AttemptReader interface {
	// GetAttempt returns nil, nil when the user has not attempted the quiz.
	GetAttempt(ctx context.Context, userID, quizID string) (*domain.Attempt, error)
	ListAttemptsByUser(ctx context.Context, userID string) ([]domain.Attempt, error)
	ListAttemptsByQuiz(ctx context.Context, quizID string) ([]domain.Attempt, error)
	ListAttempts(ctx context.Context) ([]domain.Attempt, error)
}

// UserFilter narrows ListUsers. Zero values match everything.
type UserFilter struct {
	Role string
	IDs  []string
}

type UserReader interface {
	GetUser(ctx context.Context, userID string) (*domain.UserRewardState, error)
	ListUsers(ctx context.Context, f UserFilter) ([]domain.UserRewardState, error)
}

type QuizRepository interface {
	QuizExists(ctx context.Context, quizID string) (bool, error)
	// GetQuestions returns the quiz's questions in display order.
	GetQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}
