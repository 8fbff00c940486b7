package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
)

const defaultCancelLookback = 7 * 24 * time.Hour

// CancelledBookingSource lists bookings cancelled since the given moment
type CancelledBookingSource interface {
	CancelledSince(ctx context.Context, since time.Time) ([]string, error)
}

type bookingLockFinder interface {
	FindLocksByBookings(ctx context.Context, bookingIDs []string) ([]models.Transaction, error)
}

type detacher interface {
	Detach(ctx context.Context, tx models.Transaction) (bool, error)
}

// Reconciler detaches reservations of cancelled bookings so sweeps never settle them.
// It never refunds: the cancellation handler owns refund policy.
type Reconciler struct {
	source    CancelledBookingSource
	finder    bookingLockFinder
	balance   detacher
	lookback  time.Duration
	batchSize int
	timeout   time.Duration
	logger    logger.Logger
}

type ReconcileReport struct {
	CancelledBookings int
	Found             int
	Detached          int
	Errors            []string
}

func NewReconciler(source CancelledBookingSource, finder bookingLockFinder, balance detacher, lookback time.Duration, l logger.Logger) *Reconciler {
	if lookback <= 0 {
		lookback = defaultCancelLookback
	}

	return &Reconciler{
		source:    source,
		finder:    finder,
		balance:   balance,
		lookback:  lookback,
		batchSize: defaultBatchSize,
		timeout:   defaultStoreTimeout,
		logger:    l.With("component", "reconciler"),
	}
}

// Reconcile returns error only if the cancelled bookings or their reservations can't be queried.
// Failures of single detaches are collected in the report.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) (ReconcileReport, error) {
	var report ReconcileReport

	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	bookingIDs, err := r.source.CancelledSince(queryCtx, now.Add(-r.lookback))
	cancel()
	if err != nil {
		return report, fmt.Errorf("can't list cancelled bookings: %w", err)
	}
	report.CancelledBookings = len(bookingIDs)

	for start := 0; start < len(bookingIDs); start += r.batchSize {
		end := min(start+r.batchSize, len(bookingIDs))

		queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
		locks, err := r.finder.FindLocksByBookings(queryCtx, bookingIDs[start:end])
		cancel()
		if err != nil {
			return report, fmt.Errorf("can't find reservations of cancelled bookings: %w", err)
		}
		report.Found += len(locks)

		for _, tx := range locks {
			detachCtx, cancel := context.WithTimeout(ctx, r.timeout)
			ok, err := r.balance.Detach(detachCtx, tx)
			cancel()

			switch {
			case err != nil:
				r.logger.Error("Failed to detach reservation", "error", err, "transaction_id", tx.ID, "booking_id", bookingRef(tx))
				report.Errors = append(report.Errors, fmt.Sprintf("transaction %s: %s", tx.ID, err))
			case ok:
				r.logger.Info("Reservation detached from cancelled booking", "transaction_id", tx.ID, "booking_id", bookingRef(tx))
				report.Detached++
			}
		}
	}

	return report, nil
}

func bookingRef(tx models.Transaction) string {
	if tx.BookingID == nil {
		return ""
	}
	return *tx.BookingID
}
