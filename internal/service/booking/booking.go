package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/service/balance"
)

const (
	defaultStudentLockWindow = 4 * time.Hour
	defaultTrainerLockWindow = 4 * time.Hour
	defaultBonusDelay        = time.Hour
	defaultRefundCutoff      = 4 * time.Hour

	processedBy = "booking-cancellation"
)

var (
	ErrBookingRequired  = errors.New("booking id is required")
	ErrBookingCancelled = errors.New("booking is already cancelled")
)

type balanceService interface {
	Lock(ctx context.Context, r balance.LockRequest) (models.Transaction, error)
	BonusLock(ctx context.Context, r balance.LockRequest) (models.Transaction, error)
	Release(ctx context.Context, tx models.Transaction, outcome balance.Outcome, by string) (bool, error)
}

type bookingStore interface {
	RecordCancellation(ctx context.Context, c models.Cancellation) error

	// Has to return apperrors.ErrCancellationNotFound if booking was never cancelled
	GetCancellation(ctx context.Context, bookingID string) (models.Cancellation, error)
}

type lockFinder interface {
	FindLocksByBookings(ctx context.Context, bookingIDs []string) ([]models.Transaction, error)
	FindDetachedLocks(ctx context.Context, bookingIDs []string, limit int) ([]models.Transaction, error)
}

type notifier interface {
	OnSettled(ctx context.Context, event models.SettledEvent) error
}

type Config struct {
	// How long before the class a student reservation is settled
	StudentLockWindow time.Duration
	TrainerLockWindow time.Duration

	// How long after the class trainer bonus hours stay held
	BonusDelay time.Duration

	// Cancellations with at least this notice are refunded, later ones are charged
	RefundCutoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.StudentLockWindow <= 0 {
		c.StudentLockWindow = defaultStudentLockWindow
	}
	if c.TrainerLockWindow <= 0 {
		c.TrainerLockWindow = defaultTrainerLockWindow
	}
	if c.BonusDelay <= 0 {
		c.BonusDelay = defaultBonusDelay
	}
	if c.RefundCutoff <= 0 {
		c.RefundCutoff = defaultRefundCutoff
	}
	return c
}

func (c Config) LockWindow(ledger models.Ledger) time.Duration {
	if ledger == models.LedgerTrainerHours {
		return c.TrainerLockWindow
	}
	return c.StudentLockWindow
}

// Service turns booking lifecycle events into ledger reservations and their release
type Service struct {
	cfg      Config
	balance  balanceService
	bookings bookingStore
	finder   lockFinder
	notifier notifier
	logger   logger.Logger
	now      func() time.Time
}

func NewService(cfg Config, bal balanceService, bookings bookingStore, finder lockFinder, n notifier, l logger.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		balance:  bal,
		bookings: bookings,
		finder:   finder,
		notifier: n,
		logger:   l.With("component", "booking"),
		now:      time.Now,
	}
}

type CreatedResult struct {
	Lock  models.Transaction
	Bonus *models.Transaction
}

// OnBookingCreated reserves booking units. Repeated delivery of the same booking returns the existing reservations.
// A booking whose cancellation is already recorded is refused with ErrBookingCancelled and keeps no reservation.
func (s *Service) OnBookingCreated(ctx context.Context, b models.BookingCreated) (CreatedResult, error) {
	var result CreatedResult

	if b.BookingID == "" {
		return result, ErrBookingRequired
	}
	if b.StartsAt.IsZero() {
		return result, errors.New("booking start time is required")
	}
	if b.Ledger == "" {
		b.Ledger = models.LedgerStudentClasses
	}
	if b.Quantity == 0 {
		b.Quantity = 1
	}

	if _, err := s.cancellation(ctx, b.BookingID); !errors.Is(err, apperrors.ErrCancellationNotFound) {
		if err == nil {
			s.logger.Info("Refused to reserve cancelled booking", "booking_id", b.BookingID)
			err = ErrBookingCancelled
		}
		return result, err
	}

	result, err := s.reserve(ctx, b)
	if err != nil {
		return result, err
	}

	// Cancellation may land while reserving; its resolve pass could have missed our rows
	c, err := s.cancellation(ctx, b.BookingID)
	switch {
	case errors.Is(err, apperrors.ErrCancellationNotFound):
		s.logger.Info("Booking reserved", "booking_id", b.BookingID, "lock_id", result.Lock.ID, "bonus", result.Bonus != nil)
		return result, nil
	case err != nil:
		return result, err
	}

	if _, err := s.resolve(ctx, b.BookingID, s.outcome(c)); err != nil {
		return CreatedResult{}, errors.Join(ErrBookingCancelled, err)
	}
	return CreatedResult{}, ErrBookingCancelled
}

func (s *Service) cancellation(ctx context.Context, bookingID string) (models.Cancellation, error) {
	c, err := s.bookings.GetCancellation(ctx, bookingID)
	if err != nil && !errors.Is(err, apperrors.ErrCancellationNotFound) {
		return c, fmt.Errorf("can't check cancellation of booking %s: %w", bookingID, err)
	}
	return c, err
}

func (s *Service) reserve(ctx context.Context, b models.BookingCreated) (CreatedResult, error) {
	var result CreatedResult

	lock, err := s.balance.Lock(ctx, balance.LockRequest{
		Key:             models.AccountKey{Ledger: b.Ledger, HolderID: b.HolderID, ScopeID: b.ScopeID},
		Quantity:        b.Quantity,
		BookingID:       b.BookingID,
		UnlockAt:        b.StartsAt.Add(-s.cfg.LockWindow(b.Ledger)),
		BookingStartsAt: b.StartsAt,
		Source:          b.Source,
	})
	if err != nil && !errors.Is(err, apperrors.ErrDuplicate) {
		return result, fmt.Errorf("can't reserve units for booking %s: %w", b.BookingID, err)
	}
	result.Lock = lock

	if b.BonusTrainerID == "" || b.BonusHours <= 0 {
		return result, nil
	}

	bonus, err := s.balance.BonusLock(ctx, balance.LockRequest{
		Key:             models.AccountKey{Ledger: models.LedgerTrainerHours, HolderID: b.BonusTrainerID, ScopeID: b.ScopeID},
		Quantity:        b.BonusHours,
		BookingID:       b.BookingID,
		UnlockAt:        b.StartsAt.Add(s.cfg.BonusDelay),
		BookingStartsAt: b.StartsAt,
		Source:          models.SourceSystem,
	})
	if err != nil && !errors.Is(err, apperrors.ErrDuplicate) {
		return result, fmt.Errorf("can't hold bonus hours for booking %s: %w", b.BookingID, err)
	}
	result.Bonus = &bonus

	return result, nil
}

type CancellationResult struct {
	BookingID string          `json:"booking_id"`
	Outcome   balance.Outcome `json:"outcome"`
	Released  int             `json:"released"`

	// Reservations that were already settled
	Skipped int `json:"skipped"`
}

// OnBookingCancelled records the cancellation and resolves reservations of the booking:
// with enough notice units go back to the holder, otherwise the class is charged and the trainer bonus is paid.
func (s *Service) OnBookingCancelled(ctx context.Context, bookingID string, c models.Cancellation) (CancellationResult, error) {
	result := CancellationResult{BookingID: bookingID}

	if bookingID == "" {
		return result, ErrBookingRequired
	}
	c.BookingID = bookingID
	if c.CancelledAt.IsZero() {
		c.CancelledAt = s.now()
	}

	if err := s.bookings.RecordCancellation(ctx, c); err != nil {
		return result, fmt.Errorf("can't record cancellation of booking %s: %w", bookingID, err)
	}

	// Redelivery is resolved with the outcome of the first recorded cancellation
	recorded, err := s.bookings.GetCancellation(ctx, bookingID)
	if err != nil {
		return result, fmt.Errorf("can't read cancellation of booking %s: %w", bookingID, err)
	}

	result, err = s.resolve(ctx, bookingID, s.outcome(recorded))

	s.logger.Info("Booking cancelled",
		"booking_id", bookingID, "outcome", result.Outcome, "notice", recorded.NoticePeriod(),
		"released", result.Released, "skipped", result.Skipped)

	return result, err
}

func (s *Service) outcome(c models.Cancellation) balance.Outcome {
	if c.NoticePeriod() >= s.cfg.RefundCutoff {
		return balance.OutcomeRefund
	}
	return balance.OutcomeSettle
}

// resolve releases every reservation of the booking, including ones cleanup already detached
func (s *Service) resolve(ctx context.Context, bookingID string, outcome balance.Outcome) (CancellationResult, error) {
	result := CancellationResult{BookingID: bookingID, Outcome: outcome}
	ids := []string{bookingID}

	locks, err := s.finder.FindLocksByBookings(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("can't find reservations of booking %s: %w", bookingID, err)
	}
	detached, err := s.finder.FindDetachedLocks(ctx, ids, 0)
	if err != nil {
		return result, fmt.Errorf("can't find detached reservations of booking %s: %w", bookingID, err)
	}

	var errs []error
	for _, tx := range append(locks, detached...) {
		released, err := s.balance.Release(ctx, tx, outcome, processedBy)
		switch {
		case err != nil:
			s.logger.Error("Failed to release reservation", "error", err, "booking_id", bookingID, "transaction_id", tx.ID)
			errs = append(errs, err)
		case !released:
			result.Skipped++
		default:
			result.Released++
			s.notifySettled(ctx, tx, outcome)
		}
	}

	return result, errors.Join(errs...)
}

func (s *Service) notifySettled(ctx context.Context, tx models.Transaction, outcome balance.Outcome) {
	if outcome != balance.OutcomeSettle {
		return
	}

	settledAs := models.TxTypeConsume
	if tx.Type == models.TxTypeBonusLock {
		settledAs = models.TxTypeBonusUnlock
	}

	if err := s.notifier.OnSettled(ctx, models.NewSettledEvent(tx, settledAs, s.now())); err != nil {
		s.logger.Warn("Failed to notify about settled reservation", "error", err, "transaction_id", tx.ID)
	}
}
