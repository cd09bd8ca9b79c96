package sessionsql

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/usagipass/gateway/internal/serviceerr"
)

// handlePgError maps postgres errors the caller can act on. A unique
// violation or a serialization failure means another writer got there
// first; connection and shutdown classes mean the store is unavailable.
func handlePgError(err error) (error, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err, false
	}

	switch {
	case pgErr.Code == pgerrcode.UniqueViolation, pgErr.Code == pgerrcode.SerializationFailure:
		return errors.Join(serviceerr.ErrConflict, err), true
	case pgerrcode.IsConnectionException(pgErr.Code), pgErr.Code == pgerrcode.AdminShutdown, pgErr.Code == pgerrcode.CannotConnectNow:
		return errors.Join(serviceerr.ErrTemporarilyUnavailable, err), true
	}

	return err, false
}
