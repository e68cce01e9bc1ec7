package domain

const (
	EventNameAttemptGraded = "attempt.graded"
	EventNameBadgeUnlocked = "badge.unlocked"
)

type EventAttemptGraded struct {
	Attempt      Attempt
	PointsEarned int
	TotalPoints  int
	Resubmission bool
}

func (EventAttemptGraded) Name() string { return EventNameAttemptGraded }

type EventBadgeUnlocked struct {
	UserID string
	Badge  string
	Points int
}

func (EventBadgeUnlocked) Name() string { return EventNameBadgeUnlocked }
