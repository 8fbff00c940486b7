package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/models"
)

type BookingRepo struct {
	DB DBTX
}

func (r *BookingRepo) RecordCancellation(ctx context.Context, c models.Cancellation) error {
	const recordCancellation = `
	INSERT INTO booking_cancellations (booking_id, holder_id, credits_cost, start_time, cancelled_at)
	VALUES (?1, ?2, ?3, ?4, ?5)
	ON CONFLICT (booking_id) DO NOTHING
	`

	_, err := r.DB.ExecContext(ctx, recordCancellation,
		c.BookingID, c.HolderID, c.CreditsCost, toMillis(c.StartTime), toMillis(c.CancelledAt),
	)
	return dbError(err)
}

func (r *BookingRepo) CancelledSince(ctx context.Context, since time.Time) ([]string, error) {
	const cancelledSince = `
	SELECT booking_id FROM booking_cancellations
	WHERE cancelled_at >= ?1
	ORDER BY cancelled_at, booking_id
	`

	rows, err := r.DB.QueryContext(ctx, cancelledSince, toMillis(since))
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close() // nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbError(err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	return ids, nil
}

func (r *BookingRepo) GetCancellation(ctx context.Context, bookingID string) (models.Cancellation, error) {
	const getCancellation = `
	SELECT booking_id, holder_id, credits_cost, start_time, cancelled_at
	FROM booking_cancellations
	WHERE booking_id = ?1
	`

	var c models.Cancellation
	var startTime, cancelledAt int64

	err := r.DB.QueryRowContext(ctx, getCancellation, bookingID).Scan(&c.BookingID, &c.HolderID, &c.CreditsCost, &startTime, &cancelledAt)
	switch {
	case err == nil:
		c.StartTime, c.CancelledAt = fromMillis(startTime), fromMillis(cancelledAt)
		return c, nil
	case errors.Is(err, sql.ErrNoRows):
		return c, apperrors.ErrCancellationNotFound
	default:
		return c, dbError(err)
	}
}
