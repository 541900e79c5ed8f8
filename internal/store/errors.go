package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates a missing or unauthorized resource lookup.
var ErrNotFound = errors.New("record not found")

// ErrParentGone is returned when a write references a row that was deleted
// concurrently, such as an event arriving for an unlinked calendar.
var ErrParentGone = errors.New("parent record no longer exists")

const foreignKeyViolation = "23503"

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ErrParentGone
	}
	return err
}
