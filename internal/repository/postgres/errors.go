package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/classcredits/internal/apperrors"
)

// dbError maps driver errors to well known application errors, keeping the original in the chain
func dbError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
		case pgErr.Code == pgerrcode.CheckViolation && strings.HasSuffix(pgErr.ConstraintName, "_non_negative"):
			return fmt.Errorf("%w: %w", apperrors.ErrInsufficientBalance, err)
		case pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected,
			pgErr.Code == pgerrcode.LockNotAvailable,
			pgErr.Code == pgerrcode.QueryCanceled,
			pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
		default:
			return fmt.Errorf("db error: %w", err)
		}
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err):
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("db error: %w", err)
}
