package postgres

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

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

// isMissingSchema checks for invalid_schema_name (3F000) or
// undefined_table (42P01): the tenant has never been provisioned, so
// reads against it resolve to not-found rather than a server error.
func isMissingSchema(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "3F000" || pgErr.Code == "42P01"
	}
	return false
}

// parseTenantSchema extracts the tenant id from a "tenant_<id>" schema
// name.
func parseTenantSchema(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "tenant_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
