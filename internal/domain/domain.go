package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Question is a quiz question as known to the grader. Option correctness is
// authoritative server-side data and must never be echoed to a submitter.
type Question struct {
	QuestionID string   `json:"question_id"`
	QuizID     string   `json:"quiz_id"`
	Text       string   `json:"text"`
	Options    []Option `json:"options"`
}

type Option struct {
	OptionID string `json:"option_id"`
	Text     string `json:"text"`
	Correct  bool   `json:"correct"`
}

// Submission is a user's set of answers for one quiz, keyed by question ID.
type Submission struct {
	QuizID  string
	UserID  string
	Answers map[string]string
}

// Answer is one entry of the stored answer trail.
type Answer struct {
	QuestionID     string `json:"question_id"`
	SelectedOption string `json:"selected_option"`
}

// GradeResult is the outcome of grading a submission.
type GradeResult struct {
	Score          int
	TotalQuestions int
	Answers        []Answer
}

// Attempt is the single current graded record of a user's submission to a quiz.
// At most one Attempt exists per (UserID, QuizID).
type Attempt struct {
	AttemptID      string
	UserID         string
	QuizID         string
	Score          int
	TotalQuestions int
	Answers        []Answer
	CompletedAt    time.Time
}

// UserRewardState is the part of a user record owned by the reward ledger.
type UserRewardState struct {
	UserID           string
	Username         string
	Role             string
	Points           int
	Badges           []string
	AttemptedQuizzes []string
}

// HasBadge reports whether the badge has already been unlocked.
func (u UserRewardState) HasBadge(name string) bool {
	for _, b := range u.Badges {
		if b == name {
			return true
		}
	}
	return false
}

// QuizRank is a row of the per-quiz leaderboard.
type QuizRank struct {
	Rank           int
	UserID         string
	Username       string
	Score          int
	TotalQuestions int
	CompletedAt    time.Time
}

// AccuracyRank is a row of the global leaderboard ordered by accuracy.
type AccuracyRank struct {
	Rank           int
	UserID         string
	Username       string
	TotalCorrect   int
	TotalQuestions int
	Attempts       int
	// Accuracy is a percentage in [0, 100].
	Accuracy decimal.Decimal
	Badges   []string
}

// PointsRank is a row of the global leaderboard ordered by cumulative points.
type PointsRank struct {
	Rank             int
	UserID           string
	Username         string
	Points           int
	QuizzesCompleted int
	Badges           []string
}
