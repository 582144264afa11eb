package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (owner, name)
);

CREATE TABLE IF NOT EXISTS pull_requests (
	id BIGSERIAL PRIMARY KEY,
	repo_owner TEXT NOT NULL,
	repo_name TEXT NOT NULL,
	number INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (repo_owner, repo_name, number)
);

CREATE TABLE IF NOT EXISTS builds (
	id BIGSERIAL PRIMARY KEY,
	pull_request_id BIGINT NOT NULL REFERENCES pull_requests(id),
	repo_owner TEXT NOT NULL,
	repo_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	branch TEXT NOT NULL,
	commit_sha TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS builds_one_pending_per_kind
	ON builds (pull_request_id, kind) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS workflows (
	id BIGSERIAL PRIMARY KEY,
	build_id BIGINT NOT NULL REFERENCES builds(id),
	name TEXT NOT NULL,
	run_id BIGINT NOT NULL,
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (build_id, url)
);
`

const pgUniqueViolationCode = "23505"

// OpenPostgres opens a PostgreSQL backed Client via the pgx stdlib driver.
func OpenPostgres(dsn string) (Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &sqlClient{
		db:                db,
		schema:            postgresSchema,
		rebind:            rebindQuestionMarks,
		isUniqueViolation: isPostgresUniqueViolation,
	}, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}
