package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/nkiryanov/classcredits/internal/apperrors"
)

// dbError maps driver errors to well known application errors, keeping the original in the chain
func dbError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck && strings.Contains(err.Error(), "_non_negative"):
			return fmt.Errorf("%w: %w", apperrors.ErrInsufficientBalance, err)
		case sqliteErr.Code == sqlite3.ErrBusy,
			sqliteErr.Code == sqlite3.ErrLocked,
			sqliteErr.Code == sqlite3.ErrIoErr,
			sqliteErr.Code == sqlite3.ErrCantOpen:
			return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
		default:
			return fmt.Errorf("db error: %w", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("db error: %w", err)
}
