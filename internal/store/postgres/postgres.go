// Package postgres implements store.Store on PostgreSQL.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/store"
)

const codeForeignKeyViolation = "23503"

type Config struct {
	DB *pgxpool.Pool
}

type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(c Config) *Store {
	return &Store{db: c.DB}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) QuizExists(ctx context.Context, quizID string) (bool, error) {
	return quizExists(ctx, s.db, quizID)
}

func quizExists(ctx context.Context, q querier, quizID string) (bool, error) {
	const stmt = `SELECT EXISTS (SELECT 1 FROM quizzes WHERE quiz_id = $1);`

	var ok bool
	if err := q.QueryRow(ctx, stmt, quizID).Scan(&ok); err != nil {
		return false, errors.Unavailable(err, "check quiz failed")
	}
	return ok, nil
}

func (s *Store) GetQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, quiz_id, text, options
FROM questions
WHERE quiz_id = $1
ORDER BY position;`

	rows, err := s.db.Query(ctx, stmt, quizID)
	if err != nil {
		return nil, errors.Unavailable(err, "get questions failed")
	}

	qs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var (
			q       domain.Question
			options []byte
		)
		if err := r.Scan(&q.QuestionID, &q.QuizID, &q.Text, &options); err != nil {
			return q, err
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return q, fmt.Errorf("decode options: question=%s: %w", q.QuestionID, err)
		}
		return q, nil
	})
	if err != nil {
		return nil, errors.Unavailable(err, "get questions failed")
	}

	if len(qs) > 0 {
		return qs, nil
	}

	// A quiz without questions is valid; tell it apart from a missing one.
	ok, err := quizExists(ctx, s.db, quizID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound("quiz not found: quiz=%s", quizID)
	}
	return qs, nil
}

const selectUser = `SELECT user_id, username, role, points, badges, attempted_quizzes FROM users`

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.UserRewardState, error) {
	return getUser(ctx, s.db, userID)
}

func getUser(ctx context.Context, q querier, userID string) (*domain.UserRewardState, error) {
	rows, err := q.Query(ctx, selectUser+` WHERE user_id = $1;`, userID)
	if err != nil {
		return nil, errors.Unavailable(err, "get user failed")
	}

	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user not found: user=%s", userID)
	}
	if err != nil {
		return nil, errors.Unavailable(err, "get user failed")
	}

	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context, f store.UserFilter) ([]domain.UserRewardState, error) {
	const stmt = selectUser + `
WHERE ($1 = '' OR role = $1)
  AND (cardinality($2::TEXT[]) = 0 OR user_id = ANY ($2::TEXT[]))
ORDER BY user_id;`

	ids := f.IDs
	if ids == nil {
		ids = []string{}
	}

	rows, err := s.db.Query(ctx, stmt, f.Role, ids)
	if err != nil {
		return nil, errors.Unavailable(err, "list users failed")
	}

	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, errors.Unavailable(err, "list users failed")
	}
	return users, nil
}

func scanUser(r pgx.CollectableRow) (domain.UserRewardState, error) {
	var u domain.UserRewardState
	err := r.Scan(&u.UserID, &u.Username, &u.Role, &u.Points, &u.Badges, &u.AttemptedQuizzes)
	return u, err
}

const selectAttempt = `
SELECT attempt_id::TEXT, user_id, quiz_id, score, total_questions, answers, completed_at
FROM attempts`

func (s *Store) GetAttempt(ctx context.Context, userID, quizID string) (*domain.Attempt, error) {
	return getAttempt(ctx, s.db, userID, quizID)
}

func getAttempt(ctx context.Context, q querier, userID, quizID string) (*domain.Attempt, error) {
	rows, err := q.Query(ctx, selectAttempt+` WHERE user_id = $1 AND quiz_id = $2;`, userID, quizID)
	if err != nil {
		return nil, errors.Unavailable(err, "get attempt failed")
	}

	a, err := pgx.CollectExactlyOneRow(rows, scanAttempt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Unavailable(err, "get attempt failed")
	}

	return &a, nil
}

func (s *Store) ListAttemptsByUser(ctx context.Context, userID string) ([]domain.Attempt, error) {
	return s.listAttempts(ctx, selectAttempt+` WHERE user_id = $1 ORDER BY quiz_id;`, userID)
}

func (s *Store) ListAttemptsByQuiz(ctx context.Context, quizID string) ([]domain.Attempt, error) {
	return s.listAttempts(ctx, selectAttempt+` WHERE quiz_id = $1 ORDER BY user_id;`, quizID)
}

func (s *Store) ListAttempts(ctx context.Context) ([]domain.Attempt, error) {
	return s.listAttempts(ctx, selectAttempt+` ORDER BY user_id, quiz_id;`)
}

func (s *Store) listAttempts(ctx context.Context, stmt string, args ...any) ([]domain.Attempt, error) {
	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Unavailable(err, "list attempts failed")
	}

	as, err := pgx.CollectRows(rows, scanAttempt)
	if err != nil {
		return nil, errors.Unavailable(err, "list attempts failed")
	}
	return as, nil
}

func scanAttempt(r pgx.CollectableRow) (domain.Attempt, error) {
	var (
		a       domain.Attempt
		answers []byte
	)
	if err := r.Scan(&a.AttemptID, &a.UserID, &a.QuizID, &a.Score, &a.TotalQuestions, &answers, &a.CompletedAt); err != nil {
		return a, err
	}
	if err := json.Unmarshal(answers, &a.Answers); err != nil {
		return a, fmt.Errorf("decode answers: attempt=%s: %w", a.AttemptID, err)
	}
	a.CompletedAt = a.CompletedAt.UTC()
	return a, nil
}

// WithinUser locks the user's row for the duration of fn. Concurrent calls for
// the same user queue on the row lock.
func (s *Store) WithinUser(ctx context.Context, userID string, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Unavailable(err, "begin transaction failed")
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const lockStmt = `SELECT 1 FROM users WHERE user_id = $1 FOR UPDATE;`
	var one int
	err = tx.QueryRow(ctx, lockStmt, userID).Scan(&one)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("user not found: user=%s", userID)
	}
	if err != nil {
		return errors.Unavailable(err, "lock user failed")
	}

	if err = fn(ctx, &pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.Unavailable(err, "commit failed")
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) GetUser(ctx context.Context) (*domain.UserRewardState, error) {
	return getUser(ctx, t.tx, t.userID)
}

func (t *pgTx) GetAttempt(ctx context.Context, quizID string) (*domain.Attempt, error) {
	return getAttempt(ctx, t.tx, t.userID, quizID)
}

func (t *pgTx) UpsertAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.UserID != t.userID {
		return fmt.Errorf("upsert attempt: user %s outside transaction for %s", a.UserID, t.userID)
	}

	answers, err := json.Marshal(nonNil(a.Answers))
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	const stmt = `
INSERT INTO attempts (attempt_id, user_id, quiz_id, score, total_questions, answers, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, quiz_id) DO UPDATE
SET score           = EXCLUDED.score,
    total_questions = EXCLUDED.total_questions,
    answers         = EXCLUDED.answers,
    completed_at    = EXCLUDED.completed_at
RETURNING attempt_id::TEXT;`

	var id string
	err = t.tx.QueryRow(ctx, stmt,
		a.AttemptID, a.UserID, a.QuizID, a.Score, a.TotalQuestions, answers, a.CompletedAt.UTC(),
	).Scan(&id)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		return errors.NotFound("quiz not found: quiz=%s", a.QuizID)
	}
	if err != nil {
		return errors.Unavailable(err, "upsert attempt failed")
	}

	a.AttemptID = id
	return nil
}

func (t *pgTx) SaveUser(ctx context.Context, u *domain.UserRewardState) error {
	if u.UserID != t.userID {
		return fmt.Errorf("save user: user %s outside transaction for %s", u.UserID, t.userID)
	}

	const stmt = `
UPDATE users
SET points = $2, badges = $3, attempted_quizzes = $4
WHERE user_id = $1;`

	tag, err := t.tx.Exec(ctx, stmt, u.UserID, u.Points, nonNil(u.Badges), nonNil(u.AttemptedQuizzes))
	if err != nil {
		return errors.Unavailable(err, "save user failed")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("user not found: user=%s", u.UserID)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// CreateUser inserts a user with an empty reward state. Registration lives
// outside this service; this is for seeding and tests.
func (s *Store) CreateUser(ctx context.Context, u domain.UserRewardState) error {
	const stmt = `
INSERT INTO users (user_id, username, role, points, badges, attempted_quizzes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO NOTHING;`

	_, err := s.db.Exec(ctx, stmt, u.UserID, u.Username, u.Role, u.Points, nonNil(u.Badges), nonNil(u.AttemptedQuizzes))
	if err != nil {
		return errors.Unavailable(err, "create user failed")
	}
	return nil
}

// CreateQuiz inserts a quiz and its questions in display order.
func (s *Store) CreateQuiz(ctx context.Context, quizID, title string, questions []domain.Question) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Unavailable(err, "begin transaction failed")
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insQuizStmt     = `INSERT INTO quizzes (quiz_id, title, create_time) VALUES ($1, $2, $3);`
		insQuestionStmt = `INSERT INTO questions (question_id, quiz_id, position, text, options) VALUES ($1, $2, $3, $4, $5);`
	)

	if _, err = tx.Exec(ctx, insQuizStmt, quizID, title, time.Now().UTC()); err != nil {
		return errors.Unavailable(err, "insert quiz failed")
	}

	batch := &pgx.Batch{}
	for i, q := range questions {
		options, err := json.Marshal(nonNil(q.Options))
		if err != nil {
			return fmt.Errorf("encode options: question=%s: %w", q.QuestionID, err)
		}
		batch.Queue(insQuestionStmt, q.QuestionID, quizID, i, q.Text, options)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Unavailable(err, "insert questions failed")
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.Unavailable(err, "commit failed")
	}
	return nil
}
