// Package quiz caches question sets in Redis in front of the quiz repository.
package quiz

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/store"
)

const defaultTTL = 10 * time.Minute

type Config struct {
	Redis  redis.UniversalClient
	Source store.QuizRepository
	Prefix string
	// TTL of a cached question set. Up to a tenth of it is added as jitter.
	TTL time.Duration
}

// CachedRepository serves question sets from Redis and loads misses from the
// source repository, one load per quiz at a time. Redis failures fall back to
// the source.
type CachedRepository struct {
	redis  redis.UniversalClient
	source store.QuizRepository
	prefix string
	ttl    time.Duration
	sf     singleflight.Group
}

var _ store.QuizRepository = (*CachedRepository)(nil)

func NewCachedRepository(c Config) *CachedRepository {
	r := &CachedRepository{
		redis:  c.Redis,
		source: c.Source,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}
	if r.ttl <= 0 {
		r.ttl = defaultTTL
	}
	return r
}

func (r *CachedRepository) QuizExists(ctx context.Context, quizID string) (bool, error) {
	n, err := r.redis.Exists(ctx, r.key(quizID)).Result()
	if err != nil {
		slog.WarnContext(ctx, "quiz: check cache failed", "quiz", quizID, "error", err)
	}
	if n > 0 {
		return true, nil
	}

	return r.source.QuizExists(ctx, quizID)
}

func (r *CachedRepository) GetQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	if qs, ok := r.get(ctx, quizID); ok {
		return qs, nil
	}

	v, err, _ := r.sf.Do(quizID, func() (any, error) {
		if qs, ok := r.get(ctx, quizID); ok {
			return qs, nil
		}

		qs, err := r.source.GetQuestions(ctx, quizID)
		if err != nil {
			return nil, err
		}

		r.set(ctx, quizID, qs)
		return qs, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]domain.Question), nil
}

// Invalidate drops the cached question set, so the next read goes to the source.
func (r *CachedRepository) Invalidate(ctx context.Context, quizID string) error {
	if err := r.redis.Del(ctx, r.key(quizID)).Err(); err != nil {
		return fmt.Errorf("invalidate quiz %s: %w", quizID, err)
	}
	return nil
}

func (r *CachedRepository) get(ctx context.Context, quizID string) ([]domain.Question, bool) {
	b, err := r.redis.Get(ctx, r.key(quizID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.WarnContext(ctx, "quiz: read cache failed", "quiz", quizID, "error", err)
		return nil, false
	}

	var qs []domain.Question
	if err := json.Unmarshal(b, &qs); err != nil {
		slog.WarnContext(ctx, "quiz: decode cached questions failed", "quiz", quizID, "error", err)
		return nil, false
	}

	return qs, true
}

func (r *CachedRepository) set(ctx context.Context, quizID string, qs []domain.Question) {
	b, err := json.Marshal(qs)
	if err != nil {
		slog.WarnContext(ctx, "quiz: encode questions failed", "quiz", quizID, "error", err)
		return
	}

	if err := r.redis.Set(ctx, r.key(quizID), b, r.ttlWithJitter()).Err(); err != nil {
		slog.WarnContext(ctx, "quiz: write cache failed", "quiz", quizID, "error", err)
	}
}

func (r *CachedRepository) ttlWithJitter() time.Duration {
	return r.ttl + time.Duration(rand.Int64N(int64(r.ttl)/10+1))
}

func (r *CachedRepository) key(quizID string) string {
	return fmt.Sprintf("%s:quiz:%s:questions", r.prefix, quizID)
}
