package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// SQLSTATE classes caused by the data rather than the server
const (
	classDataException       = "22"
	classIntegrityConstraint = "23"
)

// storeError wraps a driver error. Data exceptions and constraint violations are
// ErrStoreRejected since the same input fails again; everything else is ErrStoreUnavailable.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case classDataException, classIntegrityConstraint:
			return fmt.Errorf("%w: %s: %w", entitlement.ErrStoreRejected, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", entitlement.ErrStoreUnavailable, op, err)
}
