package migrations

import (
	_ "embed"
)

//go:embed 20241016090000_create_users.up.sql
var createUsersSQL string

func init() {
	Migrations.MustRegister(
		exec(createUsersSQL),
		exec(`DROP TABLE IF EXISTS users`),
	)
}
