package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reelpipe/reelpipe/id"
)

// rowScanner abstracts pgx.Row and pgx.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// parseOptionalID parses a TypeID column that may be stored as the empty
// string for the zero value.
func parseOptionalID(s string, prefix id.Prefix) (id.ID, error) {
	if s == "" {
		return id.ID{}, nil
	}
	return id.ParseWithPrefix(s, prefix)
}
