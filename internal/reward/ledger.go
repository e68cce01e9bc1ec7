package reward

import (
	"slices"
	"sort"

	"github.com/victornm/quizrank/internal/domain"
)

const (
	PointsPerCorrect = 10
	CompletionBonus  = 5

	BadgeIPRBeginner = "IPR Beginner"
)

// Badge is unlocked once a user's points reach Threshold.
type Badge struct {
	Threshold int
	Name      string
}

// DefaultBadges is used when no badge table is configured.
var DefaultBadges = []Badge{
	{Threshold: 50, Name: BadgeIPRBeginner},
}

type Config struct {
	Badges []Badge
}

// Ledger converts scores to points and decides badge unlocks.
type Ledger struct {
	badges []Badge
}

func NewLedger(c Config) *Ledger {
	badges := c.Badges
	if len(badges) == 0 {
		badges = DefaultBadges
	}

	badges = slices.Clone(badges)
	sort.SliceStable(badges, func(i, j int) bool {
		return badges[i].Threshold < badges[j].Threshold
	})

	return &Ledger{badges: badges}
}

// Reconciliation is the result of applying a graded score to a user.
type Reconciliation struct {
	User            domain.UserRewardState
	PointsEarned    int
	PointsRetracted int
	Unlocked        []string
	Resubmission    bool
}

// PointsFor returns the points a quiz attempt with the given score is worth.
func PointsFor(score int) int {
	return score*PointsPerCorrect + CompletionBonus
}

// Reconcile applies newScore for quizID to user. When prev is the user's current
// attempt at the quiz, its contribution is retracted first (clamped at zero) so the
// user's points only ever count current attempts. The input user is not modified.
func (l *Ledger) Reconcile(user domain.UserRewardState, prev *domain.Attempt, quizID string, newScore int) Reconciliation {
	r := Reconciliation{
		User:         user,
		PointsEarned: PointsFor(newScore),
		Resubmission: prev != nil,
	}
	r.User.Badges = slices.Clone(user.Badges)
	r.User.AttemptedQuizzes = slices.Clone(user.AttemptedQuizzes)

	if prev != nil {
		r.PointsRetracted = PointsFor(prev.Score)
		r.User.Points = max(0, r.User.Points-r.PointsRetracted) + r.PointsEarned
	} else {
		r.User.Points += r.PointsEarned
		if !slices.Contains(r.User.AttemptedQuizzes, quizID) {
			r.User.AttemptedQuizzes = append(r.User.AttemptedQuizzes, quizID)
		}
	}

	for _, b := range l.badges {
		if r.User.Points >= b.Threshold && !r.User.HasBadge(b.Name) {
			r.User.Badges = append(r.User.Badges, b.Name)
			r.Unlocked = append(r.Unlocked, b.Name)
		}
	}

	return r
}
