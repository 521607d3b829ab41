package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lineagekeep/lineagekeep/modules/familytree/domain/ports"
)

// SQLSTATE 55P03: lock_not_available, raised by FOR UPDATE NOWAIT.
const pgCodeLockNotAvailable = "55P03"

// mapLockErr converts a failed non-waiting lock acquisition into the
// retryable sentinel. Other errors pass through unchanged.
func mapLockErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCodeLockNotAvailable {
		return ports.ErrResourceBusy
	}
	return err
}
