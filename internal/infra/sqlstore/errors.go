package sqlstore

import (
	"cequeue/internal/domain"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const uniqueViolationCode = "23505"

// mapError turns a driver error into a domain error. Anything the store
// cannot classify is reported as the store being unavailable.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTaskNotFound) || errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrDuplicateTask) || errors.Is(err, domain.ErrInvalidTask) {
		return err
	}

	if constraint, ok := uniqueViolation(err); ok {
		if strings.Contains(constraint, "component_key") {
			return fmt.Errorf("%w: %v", domain.ErrDuplicateTask, err)
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidTask, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

// uniqueViolation reports whether err is a unique constraint violation and
// names the violated constraint (postgres) or columns (sqlite).
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return pgErr.ConstraintName, true
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(liteErr.Error(), "UNIQUE") {
		return liteErr.Error(), true
	}
	return "", false
}

// isBusy reports whether err is a transient SQLite BUSY or LOCKED error.
func isBusy(err error) bool {
	var liteErr *sqlite.Error
	if !errors.As(err, &liteErr) {
		return false
	}
	switch liteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
