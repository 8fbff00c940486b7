package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/models"
)

type BookingRepo struct {
	DB DBTX
}

func (r *BookingRepo) RecordCancellation(ctx context.Context, c models.Cancellation) error {
	const recordCancellation = `
	INSERT INTO booking_cancellations (booking_id, holder_id, credits_cost, start_time, cancelled_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (booking_id) DO NOTHING
	`

	_, err := r.DB.Exec(ctx, recordCancellation, c.BookingID, c.HolderID, c.CreditsCost, c.StartTime, c.CancelledAt)
	return dbError(err)
}

func (r *BookingRepo) CancelledSince(ctx context.Context, since time.Time) ([]string, error) {
	const cancelledSince = `
	SELECT booking_id FROM booking_cancellations
	WHERE cancelled_at >= $1
	ORDER BY cancelled_at, booking_id
	`

	rows, _ := r.DB.Query(ctx, cancelledSince, since)
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, dbError(err)
	}

	return ids, nil
}

func (r *BookingRepo) GetCancellation(ctx context.Context, bookingID string) (models.Cancellation, error) {
	const getCancellation = `
	SELECT booking_id, holder_id, credits_cost, start_time, cancelled_at
	FROM booking_cancellations
	WHERE booking_id = $1
	`

	var c models.Cancellation
	err := r.DB.QueryRow(ctx, getCancellation, bookingID).Scan(&c.BookingID, &c.HolderID, &c.CreditsCost, &c.StartTime, &c.CancelledAt)

	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, pgx.ErrNoRows):
		return c, apperrors.ErrCancellationNotFound
	default:
		return c, dbError(err)
	}
}
