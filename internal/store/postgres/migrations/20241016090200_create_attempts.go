package migrations

import (
	_ "embed"
)

//go:embed 20241016090200_create_attempts.up.sql
var createAttemptsSQL string

func init() {
	Migrations.MustRegister(
		exec(createAttemptsSQL),
		exec(`DROP TABLE IF EXISTS attempts`),
	)
}
