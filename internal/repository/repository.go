// Package repository provides the PostgreSQL stores behind the literature pipeline.
//
// Every store holds a DBTX, so it can be constructed over the pool, a transaction or a
// pgxmock pool in tests:
//
//	db, _ := database.New(ctx, &cfg.Database, logger)
//	articles := repository.NewPgArticleRepository(db)
//	jobs := repository.NewPgJobRepository(db)
//
// Stores map pgx.ErrNoRows to domain.ErrNotFound and unique violations (23505) to
// domain.ErrAlreadyExists. All other database errors are wrapped with the failing
// operation.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/literature-pipeline/internal/database"
)

// DBTX is the query surface shared by the pool and transactions.
type DBTX = database.DBTX

const pgUniqueViolation = "23505"

// isPgUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// nullString returns nil for the empty string.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

const (
	defaultBatchLimit = 100
	maxBatchLimit     = 1000
)

// clampLimit bounds a page or batch size to [1, maxBatchLimit].
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultBatchLimit
	case limit > maxBatchLimit:
		return maxBatchLimit
	default:
		return limit
	}
}
