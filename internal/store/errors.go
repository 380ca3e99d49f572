package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes the gateway distinguishes.
const (
	pgCodeExclusionViolation = "23P01"
	pgCodeUniqueViolation    = "23505"
)

// Error is the single error category raised by gateway operations. Code
// carries the Postgres error code when the underlying failure was a
// driver error, so callers can recognize benign constraint races.
type Error struct {
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("store: %s: %s (%s)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Op: op, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e.Code = pgErr.Code
	}
	return e
}

// IsExclusionViolation reports whether err is the benign race of two
// concurrent sync-run inserts hitting the single-active-run constraint.
func IsExclusionViolation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == pgCodeExclusionViolation
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeExclusionViolation
}

// IsUniqueViolation reports whether err is a unique-constraint conflict.
func IsUniqueViolation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == pgCodeUniqueViolation
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgCodeUniqueViolation
}
