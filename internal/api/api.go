// Package api exposes the scoring engine over HTTP and pushes per-user
// notifications through Redis pub/sub.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"

	"github.com/victornm/quizrank/internal/attempt"
	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/errors"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/ranking"
)

type Config struct {
	EventBus *event.Bus
	Attempt  *attempt.Service
	Ranking  *ranking.Service
	// Secret verifies HS256 bearer tokens.
	Secret []byte
	// Redis publishes user notifications. Notifications are off when nil.
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	as *attempt.Service
	rs *ranking.Service

	secret []byte
	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		as:     c.Attempt,
		rs:     c.Ranking,
		secret: c.Secret,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	if a.redis != nil && c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameAttemptGraded, func(ctx context.Context, e event.Event) error {
			return a.PublishAttemptGraded(ctx, e.(domain.EventAttemptGraded))
		})
		c.EventBus.Subscribe(domain.EventNameBadgeUnlocked, func(ctx context.Context, e event.Event) error {
			return a.PublishBadgeUnlocked(ctx, e.(domain.EventBadgeUnlocked))
		})
	}

	return a
}

// Register mounts the versioned routes on r.
func (a *API) Register(r gin.IRouter) {
	v1 := r.Group("/v1", Authenticate(a.secret))

	v1.POST("/quizzes/:quiz_id/attempts", a.SubmitAttempt)
	v1.GET("/quizzes/:quiz_id/attempts", AdminOnly(), a.ListQuizAttempts)
	v1.GET("/quizzes/:quiz_id/leaderboard", a.GetQuizLeaderboard)
	v1.GET("/leaderboard/accuracy", a.GetAccuracyLeaderboard)
	v1.GET("/leaderboard/points", a.GetPointsLeaderboard)
	v1.GET("/me/attempts", a.ListMyAttempts)
	v1.GET("/me/rewards", a.GetMyRewards)
}

type (
	AnswerDTO struct {
		QuestionID     string `json:"question_id" binding:"required"`
		SelectedOption string `json:"selected_option"`
	}

	SubmitAttemptRequest struct {
		Answers []AnswerDTO `json:"answers" binding:"required,dive"`
	}

	SubmitAttemptResponse struct {
		AttemptID      string   `json:"attempt_id"`
		Score          int      `json:"score"`
		TotalQuestions int      `json:"total_questions"`
		PointsEarned   int      `json:"points_earned"`
		TotalPoints    int      `json:"total_points"`
		UnlockedBadges []string `json:"unlocked_badges"`
	}

	AttemptDTO struct {
		AttemptID      string      `json:"attempt_id"`
		UserID         string      `json:"user_id"`
		QuizID         string      `json:"quiz_id"`
		Score          int         `json:"score"`
		TotalQuestions int         `json:"total_questions"`
		Answers        []AnswerDTO `json:"answers"`
		CompletedAt    time.Time   `json:"completed_at"`
	}

	QuizRankDTO struct {
		Rank           int       `json:"rank"`
		UserID         string    `json:"user_id"`
		Username       string    `json:"username"`
		Score          int       `json:"score"`
		TotalQuestions int       `json:"total_questions"`
		CompletedAt    time.Time `json:"completed_at"`
	}

	AccuracyRankDTO struct {
		Rank           int      `json:"rank"`
		UserID         string   `json:"user_id"`
		Username       string   `json:"username"`
		TotalCorrect   int      `json:"total_correct"`
		TotalQuestions int      `json:"total_questions"`
		Attempts       int      `json:"attempts"`
		Accuracy       string   `json:"accuracy"`
		Badges         []string `json:"badges"`
	}

	PointsRankDTO struct {
		Rank             int      `json:"rank"`
		UserID           string   `json:"user_id"`
		Username         string   `json:"username"`
		Points           int      `json:"points"`
		QuizzesCompleted int      `json:"quizzes_completed"`
		Badges           []string `json:"badges"`
	}

	RewardsDTO struct {
		UserID           string   `json:"user_id"`
		Username         string   `json:"username"`
		Points           int      `json:"points"`
		Badges           []string `json:"badges"`
		AttemptedQuizzes []string `json:"attempted_quizzes"`
	}

	ErrorResponse struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

func (a *API) SubmitAttempt(c *gin.Context) {
	var req SubmitAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err), errors.WithMessagef("invalid request body: %v", err)))
		return
	}

	// A repeated question keeps the last answer.
	answers := make(map[string]string, len(req.Answers))
	for _, ans := range req.Answers {
		answers[ans.QuestionID] = ans.SelectedOption
	}

	id := identity(c)
	resp, err := a.as.SubmitAttempt(c.Request.Context(), attempt.SubmitAttemptRequest{
		UserID:  id.UserID,
		QuizID:  c.Param("quiz_id"),
		Answers: answers,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, SubmitAttemptResponse{
		AttemptID:      resp.Attempt.AttemptID,
		Score:          resp.Score,
		TotalQuestions: resp.TotalQuestions,
		PointsEarned:   resp.PointsEarned,
		TotalPoints:    resp.TotalPoints,
		UnlockedBadges: nonNil(resp.UnlockedBadges),
	})
}

func (a *API) ListQuizAttempts(c *gin.Context) {
	as, err := a.as.ListQuizAttempts(c.Request.Context(), attempt.ListQuizAttemptsRequest{
		QuizID: c.Param("quiz_id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toAttemptDTOs(as))
}

func (a *API) ListMyAttempts(c *gin.Context) {
	as, err := a.as.ListUserAttempts(c.Request.Context(), attempt.ListUserAttemptsRequest{
		UserID: identity(c).UserID,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toAttemptDTOs(as))
}

func (a *API) GetMyRewards(c *gin.Context) {
	u, err := a.as.GetRewards(c.Request.Context(), attempt.GetRewardsRequest{
		UserID: identity(c).UserID,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, RewardsDTO{
		UserID:           u.UserID,
		Username:         u.Username,
		Points:           u.Points,
		Badges:           nonNil(u.Badges),
		AttemptedQuizzes: nonNil(u.AttemptedQuizzes),
	})
}

func (a *API) GetQuizLeaderboard(c *gin.Context) {
	ranks, err := a.rs.RankQuiz(c.Request.Context(), ranking.RankQuizRequest{
		QuizID: c.Param("quiz_id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]QuizRankDTO, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, QuizRankDTO{
			Rank:           r.Rank,
			UserID:         r.UserID,
			Username:       r.Username,
			Score:          r.Score,
			TotalQuestions: r.TotalQuestions,
			CompletedAt:    r.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, out)
}

func (a *API) GetAccuracyLeaderboard(c *gin.Context) {
	ranks, err := a.rs.RankGlobal(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]AccuracyRankDTO, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, AccuracyRankDTO{
			Rank:           r.Rank,
			UserID:         r.UserID,
			Username:       r.Username,
			TotalCorrect:   r.TotalCorrect,
			TotalQuestions: r.TotalQuestions,
			Attempts:       r.Attempts,
			Accuracy:       r.Accuracy.StringFixed(2),
			Badges:         nonNil(r.Badges),
		})
	}

	c.JSON(http.StatusOK, out)
}

func (a *API) GetPointsLeaderboard(c *gin.Context) {
	ranks, err := a.rs.RankPoints(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	out := make([]PointsRankDTO, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, PointsRankDTO{
			Rank:             r.Rank,
			UserID:           r.UserID,
			Username:         r.Username,
			Points:           r.Points,
			QuizzesCompleted: r.QuizzesCompleted,
			Badges:           nonNil(r.Badges),
		})
	}

	c.JSON(http.StatusOK, out)
}

func toAttemptDTOs(as []domain.Attempt) []AttemptDTO {
	out := make([]AttemptDTO, 0, len(as))
	for _, a := range as {
		answers := make([]AnswerDTO, 0, len(a.Answers))
		for _, ans := range a.Answers {
			answers = append(answers, AnswerDTO{QuestionID: ans.QuestionID, SelectedOption: ans.SelectedOption})
		}

		out = append(out, AttemptDTO{
			AttemptID:      a.AttemptID,
			UserID:         a.UserID,
			QuizID:         a.QuizID,
			Score:          a.Score,
			TotalQuestions: a.TotalQuestions,
			Answers:        answers,
			CompletedAt:    a.CompletedAt,
		})
	}
	return out
}

func identity(c *gin.Context) Identity {
	id, _ := IdentityFrom(c.Request.Context())
	return id
}

// abort writes err as the response. Causes are logged, never returned.
func abort(c *gin.Context, err error) {
	e := errors.Convert(err)

	if e.Code == errors.CodeInternal || e.Code == errors.CodeUnavailable {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), ErrorResponse{
		Code:    codes.Code(e.Code).String(),
		Message: e.Message,
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
