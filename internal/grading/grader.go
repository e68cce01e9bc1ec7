// Package grading scores a submission against a quiz's question set.
package grading

import (
	"github.com/victornm/quizrank/internal/domain"
)

// Grade counts the correct answers of sub over questions and builds the answer
// trail in question order.
//
// Every answered question is recorded, whether correct or not. A selected option
// that does not exist on the question counts as wrong but is still recorded.
// Answers to questions outside the set are ignored. TotalQuestions is the size of
// the set at grading time.
func Grade(questions []domain.Question, sub domain.Submission) domain.GradeResult {
	res := domain.GradeResult{
		TotalQuestions: len(questions),
		Answers:        make([]domain.Answer, 0, len(sub.Answers)),
	}

	for _, q := range questions {
		selected, ok := sub.Answers[q.QuestionID]
		if !ok {
			continue
		}

		if opt, found := findOption(q, selected); found && opt.Correct {
			res.Score++
		}

		res.Answers = append(res.Answers, domain.Answer{
			QuestionID:     q.QuestionID,
			SelectedOption: selected,
		})
	}

	return res
}

func findOption(q domain.Question, optionID string) (domain.Option, bool) {
	for _, o := range q.Options {
		if o.OptionID == optionID {
			return o, true
		}
	}
	return domain.Option{}, false
}
