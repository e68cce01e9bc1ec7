package migrations

import (
	_ "embed"
)

//go:embed 20241016090100_create_quizzes.up.sql
var createQuizzesSQL string

func init() {
	Migrations.MustRegister(
		exec(createQuizzesSQL),
		exec(`DROP TABLE IF EXISTS questions; DROP TABLE IF EXISTS quizzes`),
	)
}
