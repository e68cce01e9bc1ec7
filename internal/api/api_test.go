package api_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizrank/internal/api"
	"github.com/victornm/quizrank/internal/attempt"
	"github.com/victornm/quizrank/internal/domain"
	"github.com/victornm/quizrank/internal/event"
	"github.com/victornm/quizrank/internal/ranking"
	"github.com/victornm/quizrank/internal/store/memory"
)

var secret = []byte("test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAPI_Routes(t *testing.T) {
	type (
		inputs struct {
			method string
			path   string
			token  string
			body   any
		}

		outputs struct {
			status int
			body   []byte
		}
	)

	tests := map[string]struct {
		arrange func(t *testing.T, e *gin.Engine) inputs
		assert  func(t *testing.T, out outputs)
	}{
		"submit should grade and reward the caller": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				return inputs{
					method: http.MethodPost,
					path:   "/v1/quizzes/q1/attempts",
					token:  token(t, "alice", domain.RoleUser),
					body:   submission(5),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusOK, out.status, string(out.body))

				var resp api.SubmitAttemptResponse
				require.NoError(t, json.Unmarshal(out.body, &resp))
				require.NotEmpty(t, resp.AttemptID)
				resp.AttemptID = ""
				require.Equal(t, api.SubmitAttemptResponse{
					Score:          5,
					TotalQuestions: 5,
					PointsEarned:   55,
					TotalPoints:    55,
					UnlockedBadges: []string{"IPR Beginner"},
				}, resp)
			},
		},

		"submit to an unknown quiz should be 404": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				return inputs{
					method: http.MethodPost,
					path:   "/v1/quizzes/nope/attempts",
					token:  token(t, "alice", domain.RoleUser),
					body:   submission(1),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusNotFound, out.status)
				require.JSONEq(t, `{"code":"NotFound","message":"quiz not found: quiz=nope"}`, string(out.body))
			},
		},

		"malformed body should be 400": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				return inputs{
					method: http.MethodPost,
					path:   "/v1/quizzes/q1/attempts",
					token:  token(t, "alice", domain.RoleUser),
					body:   map[string]any{"answers": "nope"},
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusBadRequest, out.status)
			},
		},

		"missing token should be 401": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				return inputs{method: http.MethodGet, path: "/v1/me/rewards"}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusUnauthorized, out.status)
			},
		},

		"token signed with another secret should be 401": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				return inputs{
					method: http.MethodGet,
					path:   "/v1/me/rewards",
					token:  sign(t, []byte("other"), "alice", domain.RoleUser, time.Hour),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusUnauthorized, out.status)
			},
		},

		"expired token should be 401": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				return inputs{
					method: http.MethodGet,
					path:   "/v1/me/rewards",
					token:  sign(t, secret, "alice", domain.RoleUser, -time.Minute),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusUnauthorized, out.status)
			},
		},

		"quiz attempts should be admin only": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				return inputs{
					method: http.MethodGet,
					path:   "/v1/quizzes/q1/attempts",
					token:  token(t, "alice", domain.RoleUser),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusForbidden, out.status)
			},
		},

		"admin should list quiz attempts": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "alice", domain.RoleUser), submission(2))
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "bob", domain.RoleUser), submission(3))
				return inputs{
					method: http.MethodGet,
					path:   "/v1/quizzes/q1/attempts",
					token:  token(t, "root", domain.RoleAdmin),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusOK, out.status)

				var resp []api.AttemptDTO
				require.NoError(t, json.Unmarshal(out.body, &resp))
				require.Len(t, resp, 2)
				require.Len(t, resp[0].Answers, 5)
			},
		},

		"quiz leaderboard should be ranked by score": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "alice", domain.RoleUser), submission(2))
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "bob", domain.RoleUser), submission(4))
				return inputs{
					method: http.MethodGet,
					path:   "/v1/quizzes/q1/leaderboard",
					token:  token(t, "alice", domain.RoleUser),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusOK, out.status)

				var resp []api.QuizRankDTO
				require.NoError(t, json.Unmarshal(out.body, &resp))
				require.Len(t, resp, 2)
				require.Equal(t, "bob", resp[0].UserID)
				require.Equal(t, 1, resp[0].Rank)
				require.Equal(t, "Bob", resp[0].Username)
				require.Equal(t, "alice", resp[1].UserID)
			},
		},

		"accuracy leaderboard should report a fixed point percentage": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "alice", domain.RoleUser), submission(3))
				return inputs{
					method: http.MethodGet,
					path:   "/v1/leaderboard/accuracy",
					token:  token(t, "alice", domain.RoleUser),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusOK, out.status)
				require.JSONEq(t, `[{"rank":1,"user_id":"alice","username":"Alice","total_correct":3,"total_questions":5,"attempts":1,"accuracy":"60.00","badges":[]}]`, string(out.body))
			},
		},

		"points leaderboard should exclude admins": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "bob", domain.RoleUser), submission(1))
				return inputs{
					method: http.MethodGet,
					path:   "/v1/leaderboard/points",
					token:  token(t, "alice", domain.RoleUser),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusOK, out.status)

				var resp []api.PointsRankDTO
				require.NoError(t, json.Unmarshal(out.body, &resp))
				require.Equal(t, []api.PointsRankDTO{
					{Rank: 1, UserID: "bob", Username: "Bob", Points: 15, QuizzesCompleted: 1, Badges: []string{}},
					{Rank: 2, UserID: "alice", Username: "Alice", Points: 0, QuizzesCompleted: 0, Badges: []string{}},
				}, resp)
			},
		},

		"my attempts and rewards should reflect resubmissions": {
			arrange: func(t *testing.T, e *gin.Engine) inputs {
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "alice", domain.RoleUser), submission(2))
				do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "alice", domain.RoleUser), submission(4))

				status, body := do(t, e, http.MethodGet, "/v1/me/attempts", token(t, "alice", domain.RoleUser), nil)
				require.Equal(t, http.StatusOK, status)
				var as []api.AttemptDTO
				require.NoError(t, json.Unmarshal(body, &as))
				require.Len(t, as, 1)
				require.Equal(t, 4, as[0].Score)

				return inputs{
					method: http.MethodGet,
					path:   "/v1/me/rewards",
					token:  token(t, "alice", domain.RoleUser),
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, http.StatusOK, out.status)
				require.JSONEq(t, `{"user_id":"alice","username":"Alice","points":45,"badges":[],"attempted_quizzes":["q1"]}`, string(out.body))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := makeEngine(t, nil)
			in := tt.arrange(t, e)

			var out outputs
			out.status, out.body = do(t, e, in.method, in.path, in.token, in.body)
			tt.assert(t, out)
		})
	}
}

func TestAPI_PublishesNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	sub := rc.Subscribe(ctx, api.UserChannel("test", "alice"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err, "should be subscribed")

	eb := event.NewBus(event.Config{})
	e := makeEngine(t, &notifier{bus: eb, redis: rc})

	status, body := do(t, e, http.MethodPost, "/v1/quizzes/q1/attempts", token(t, "alice", domain.RoleUser), submission(5))
	require.Equal(t, http.StatusOK, status, string(body))
	eb.Stop()

	got := make(map[string]json.RawMessage)
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)

		var n struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		got[n.Event] = n.Data
	}

	require.Contains(t, got, domain.EventNameAttemptGraded)
	require.JSONEq(t, `{"badge":"IPR Beginner","points":55}`, string(got[domain.EventNameBadgeUnlocked]))

	var graded api.AttemptGraded
	require.NoError(t, json.Unmarshal(got[domain.EventNameAttemptGraded], &graded))
	require.Equal(t, "q1", graded.QuizID)
	require.Equal(t, 55, graded.TotalPoints)
	require.False(t, graded.Resubmission)
}

type notifier struct {
	bus   *event.Bus
	redis redis.UniversalClient
}

func makeEngine(t *testing.T, n *notifier) *gin.Engine {
	t.Helper()

	st := memory.New()
	st.PutUser(domain.UserRewardState{UserID: "alice", Username: "Alice", Role: domain.RoleUser})
	st.PutUser(domain.UserRewardState{UserID: "bob", Username: "Bob", Role: domain.RoleUser})
	st.PutUser(domain.UserRewardState{UserID: "root", Username: "Root", Role: domain.RoleAdmin})
	st.PutQuiz("q1", questions("q1", 5))

	c := api.Config{
		Ranking: ranking.NewService(ranking.Config{Store: st}),
		Secret:  secret,
	}
	ac := attempt.Config{Store: st}
	if n != nil {
		c.EventBus, c.Redis, c.PubsubPrefix = n.bus, n.redis, "test"
		ac.EventBus = n.bus
	}
	c.Attempt = attempt.NewService(ac)

	e := gin.New()
	api.New(c).Register(e)
	return e
}

func do(t *testing.T, e *gin.Engine, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	return w.Code, w.Body.Bytes()
}

func token(t *testing.T, user, role string) string {
	return sign(t, secret, user, role, time.Hour)
}

func sign(t *testing.T, key []byte, user, role string, ttl time.Duration) string {
	t.Helper()

	claims := api.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func submission(correct int) map[string]any {
	answers := make([]map[string]string, 0, 5)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("q1-%d", i)
		opt := id + "-b"
		if i < correct {
			opt = id + "-a"
		}
		answers = append(answers, map[string]string{"question_id": id, "selected_option": opt})
	}
	return map[string]any{"answers": answers}
}

func questions(quizID string, n int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", quizID, i)
		qs = append(qs, domain.Question{
			QuestionID: id,
			QuizID:     quizID,
			Options: []domain.Option{
				{OptionID: id + "-a", Correct: true},
				{OptionID: id + "-b"},
			},
		})
	}
	return qs
}
