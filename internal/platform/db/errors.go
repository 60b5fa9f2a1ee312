package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yourfavoritecat/denied-sub000/internal/platform/apperr"
)

// ErrNoRows is re-exported so domain packages can compare without importing pgx.
var ErrNoRows = pgx.ErrNoRows

// Classify maps a driver error onto an apperr kind. pgx.ErrNoRows and
// already-typed errors pass through unchanged. Integrity violations become
// validation errors; everything else is treated as a transient store failure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		field := pgErr.ColumnName
		if field == "" {
			field = pgErr.ConstraintName
		}
		return apperr.Validation(field, "%s", pgErr.Message)
	}
	return apperr.Transient(op, err)
}
