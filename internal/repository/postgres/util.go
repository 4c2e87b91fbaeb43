package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/NordCoder/Herald/internal/domain/notification"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// mapErr turns driver errors into domain sentinels where one applies.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", notification.ErrDuplicate, pgErr.Detail)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// utc normalizes timestamps read back from timestamptz columns.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
