package db

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// WriteError reports a failed create/insert together with the entity and
// the attributes that were being written.
type WriteError struct {
	Entity string
	Attrs  any
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("creating %s with attributes %+v: %v", e.Entity, e.Attrs, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Conflict reports whether the write hit a unique constraint.
func (e *WriteError) Conflict() bool {
	var pgErr *pgconn.PgError
	return errors.As(e.Err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsConflict reports whether err carries a unique-constraint WriteError.
func IsConflict(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Conflict()
}
