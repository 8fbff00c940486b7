package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/repository"
)

// Outcome of releasing a reservation whose booking went away
type Outcome string

const (
	// Give reserved units back to the holder
	OutcomeRefund Outcome = "refund"

	// Settle as if the class happened: student is charged, trainer is credited
	OutcomeSettle Outcome = "settle"
)

// Service is the only writer of accounts and ledger transactions.
// It keeps no state between calls, so any number of instances may share one store.
type Service struct {
	storage repository.Storage
	logger  logger.Logger
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(storage repository.Storage, l logger.Logger, opts ...Option) *Service {
	s := &Service{
		storage: storage,
		logger:  l.With("component", "balance"),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Credit is a purchase or a grant of units
type Credit struct {
	Key      models.AccountKey
	Quantity int64
	Source   models.Source

	// External reference (payment id, grant id) used to dedupe repeated calls
	Reference string
	Reason    string
}

// Debit is an immediate, non deferred spending of units
type Debit struct {
	Key       models.AccountKey
	Quantity  int64
	Source    models.Source
	Reference string
	Reason    string
}

// LockRequest reserves units for a booking until UnlockAt
type LockRequest struct {
	Key             models.AccountKey
	Quantity        int64
	BookingID       string
	UnlockAt        time.Time
	BookingStartsAt time.Time
	Source          models.Source
}

func LockKey(ledger models.Ledger, bookingID string) string {
	return fmt.Sprintf("lock:%s:%s", ledger, bookingID)
}

func BonusLockKey(ledger models.Ledger, bookingID string) string {
	return fmt.Sprintf("bonus:%s:%s", ledger, bookingID)
}

func validateKey(key models.AccountKey) error {
	switch {
	case !key.Ledger.Valid():
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidLedger, key.Ledger)
	case key.HolderID == "":
		return apperrors.ErrHolderRequired
	case key.ScopeID == "":
		return apperrors.ErrScopeRequired
	default:
		return nil
	}
}

func validateQuantity(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("%w: got %d", apperrors.ErrInvalidQuantity, qty)
	}
	return nil
}

func (s *Service) Purchase(ctx context.Context, c Credit) (models.Transaction, error) {
	if err := validateKey(c.Key); err != nil {
		return models.Transaction{}, err
	}
	if err := validateQuantity(c.Quantity); err != nil {
		return models.Transaction{}, err
	}

	meta := models.NewMeta()
	meta.Reason = c.Reason
	meta.Reference = c.Reference

	tx := s.newTransaction(c.Key, models.TxTypePurchase, c.Quantity, c.Source, meta)
	if c.Reference != "" {
		tx.IdempotencyKey = fmt.Sprintf("purchase:%s:%s", c.Key.Ledger, c.Reference)
	}

	return s.append(ctx, tx, false)
}

func (s *Service) Debit(ctx context.Context, d Debit) (models.Transaction, error) {
	if err := validateKey(d.Key); err != nil {
		return models.Transaction{}, err
	}
	if err := validateQuantity(d.Quantity); err != nil {
		return models.Transaction{}, err
	}

	meta := models.NewMeta()
	meta.Reason = d.Reason
	meta.Reference = d.Reference

	tx := s.newTransaction(d.Key, models.TxTypeConsume, d.Quantity, d.Source, meta)
	if d.Reference != "" {
		tx.IdempotencyKey = fmt.Sprintf("debit:%s:%s", d.Key.Ledger, d.Reference)
	}

	return s.append(ctx, tx, true)
}

// Lock reserves units for a booking.
// Returns *apperrors.InsufficientBalanceError if the holder can't afford it,
// and the already existing reservation with apperrors.ErrDuplicate if the booking was locked before.
func (s *Service) Lock(ctx context.Context, r LockRequest) (models.Transaction, error) {
	tx, err := s.lockTransaction(r, models.TxTypeLock)
	if err != nil {
		return tx, err
	}
	tx.IdempotencyKey = LockKey(r.Key.Ledger, r.BookingID)

	return s.append(ctx, tx, true)
}

// BonusLock credits trainer hours that are held until UnlockAt
func (s *Service) BonusLock(ctx context.Context, r LockRequest) (models.Transaction, error) {
	if r.Key.Ledger != models.LedgerTrainerHours {
		return models.Transaction{}, fmt.Errorf("%w: bonus hours live on %s ledger", apperrors.ErrInvalidLedger, models.LedgerTrainerHours)
	}

	tx, err := s.lockTransaction(r, models.TxTypeBonusLock)
	if err != nil {
		return tx, err
	}
	tx.IdempotencyKey = BonusLockKey(r.Key.Ledger, r.BookingID)

	return s.append(ctx, tx, false)
}

func (s *Service) lockTransaction(r LockRequest, txType models.TxType) (models.Transaction, error) {
	if err := validateKey(r.Key); err != nil {
		return models.Transaction{}, err
	}
	if err := validateQuantity(r.Quantity); err != nil {
		return models.Transaction{}, err
	}
	if r.BookingID == "" {
		return models.Transaction{}, errors.New("booking id is required to lock units")
	}
	if r.UnlockAt.IsZero() {
		return models.Transaction{}, errors.New("unlock time is required to lock units")
	}

	meta := models.NewMeta()
	if !r.BookingStartsAt.IsZero() {
		startsAt := r.BookingStartsAt
		meta.BookingStartsAt = &startsAt
	}

	tx := s.newTransaction(r.Key, txType, r.Quantity, r.Source, meta)
	bookingID := r.BookingID
	unlockAt := r.UnlockAt
	tx.BookingID = &bookingID
	tx.UnlockAt = &unlockAt

	return tx, nil
}

func (s *Service) newTransaction(key models.AccountKey, txType models.TxType, qty int64, source models.Source, meta models.Meta) models.Transaction {
	if !source.Valid() {
		source = models.SourceSystem
	}

	return models.Transaction{
		ID:        uuid.New(),
		Ledger:    key.Ledger,
		HolderID:  key.HolderID,
		ScopeID:   key.ScopeID,
		Type:      txType,
		Quantity:  qty,
		Source:    source,
		Meta:      meta,
		CreatedAt: s.now(),
	}
}

// append writes the transaction and its account effect atomically
func (s *Service) append(ctx context.Context, tx models.Transaction, needsAvailable bool) (models.Transaction, error) {
	var created models.Transaction

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		if tx.IdempotencyKey != "" {
			existing, err := st.Ledger().GetTransactionByKey(ctx, tx.IdempotencyKey)
			switch {
			case err == nil:
				created = existing
				return apperrors.ErrDuplicate
			case !errors.Is(err, apperrors.ErrTransactionNotFound):
				return err
			}
		}

		account, err := st.Ledger().LockAccount(ctx, tx.Key())
		if err != nil {
			return err
		}

		if needsAvailable && account.Available() < tx.Quantity {
			return &apperrors.InsufficientBalanceError{
				Ledger:    string(tx.Ledger),
				HolderID:  tx.HolderID,
				ScopeID:   tx.ScopeID,
				Requested: tx.Quantity,
				Available: account.Available(),
			}
		}

		delta, err := models.CreationDelta(tx.Type, tx.Quantity)
		if err != nil {
			return err
		}
		delta.ExpectedVersion = account.Version

		if _, err := st.Ledger().UpdateAccount(ctx, tx.Key(), delta); err != nil {
			return err
		}

		created, err = st.Ledger().AppendTransaction(ctx, tx)
		if err != nil {
			created = tx
		}
		return err
	})

	switch {
	case err == nil:
		s.logger.Debug("Transaction appended", "id", created.ID, "type", created.Type, "ledger", created.Ledger, "holder", created.HolderID, "quantity", created.Quantity)
		return created, nil
	case errors.Is(err, apperrors.ErrDuplicate) && created.ID == tx.ID:
		// Lost the insert race to a concurrent writer: return the row that won
		existing, getErr := s.storage.Ledger().GetTransactionByKey(ctx, tx.IdempotencyKey)
		if getErr != nil {
			return tx, fmt.Errorf("can't append %s transaction: %w", tx.Type, errors.Join(err, getErr))
		}
		return existing, fmt.Errorf("can't append %s transaction: %w", tx.Type, err)
	case errors.Is(err, apperrors.ErrDuplicate):
		return created, fmt.Errorf("can't append %s transaction: %w", tx.Type, err)
	default:
		return tx, fmt.Errorf("can't append %s transaction: %w", tx.Type, err)
	}
}

// Consume settles a student or trainer LOCK: reserved units become consumed.
// Returns false without error when the lock was already settled by someone else.
func (s *Service) Consume(ctx context.Context, tx models.Transaction, by string) (bool, error) {
	return s.settle(ctx, tx, models.TxTypeLock, models.TxTypeConsume, by)
}

// Refund returns reserved units to the holder. For bonus reservations it revokes the pending credit.
func (s *Service) Refund(ctx context.Context, tx models.Transaction, by string) (bool, error) {
	if !tx.Type.IsLock() {
		return false, fmt.Errorf("%w: can't refund %s", apperrors.ErrInvalidTransition, tx.Type)
	}
	return s.settle(ctx, tx, tx.Type, models.TxTypeRefund, by)
}

// BonusUnlock makes held bonus hours available to the trainer
func (s *Service) BonusUnlock(ctx context.Context, tx models.Transaction, by string) (bool, error) {
	return s.settle(ctx, tx, models.TxTypeBonusLock, models.TxTypeBonusUnlock, by)
}

func (s *Service) settle(ctx context.Context, tx models.Transaction, from, to models.TxType, by string) (bool, error) {
	var settled bool

	err := s.storage.InTx(ctx, func(st repository.Storage) error {
		var err error
		settled, err = s.settleIn(ctx, st, tx.ID, from, to, by)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("can't settle transaction %s as %s: %w", tx.ID, to, err)
	}

	return settled, nil
}

// settleIn flips the transaction type and applies its account effect inside the caller's transaction
func (s *Service) settleIn(ctx context.Context, st repository.Storage, id uuid.UUID, from, to models.TxType, by string) (bool, error) {
	if _, err := models.SettlementDelta(from, to, 1); err != nil {
		return false, err
	}

	now := s.now()
	patch := models.Meta{ProcessedAt: &now, ProcessedBy: by, SettledFrom: from}

	settled, ok, err := st.Ledger().TransitionType(ctx, id, from, to, patch)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug("Transaction already settled", "id", id, "from", from, "to", to)
		return false, nil
	}

	account, err := st.Ledger().LockAccount(ctx, settled.Key())
	if err != nil {
		return false, err
	}

	delta, err := models.SettlementDelta(from, to, settled.Quantity)
	if err != nil {
		return false, err
	}
	delta.ExpectedVersion = account.Version

	if _, err := st.Ledger().UpdateAccount(ctx, settled.Key(), delta); err != nil {
		return false, err
	}

	s.logger.Debug("Transaction settled", "id", id, "from", from, "to", to, "by", by)
	return true, nil
}

// Detach clears the booking reference so sweeps skip the reservation. Units stay reserved.
func (s *Service) Detach(ctx context.Context, tx models.Transaction) (bool, error) {
	_, ok, err := s.storage.Ledger().Detach(ctx, tx.ID, s.now())
	if err != nil {
		return false, fmt.Errorf("can't detach transaction %s: %w", tx.ID, err)
	}
	return ok, nil
}

// Release detaches the reservation and resolves it in one store transaction,
// so a crash never leaves a detached reservation without an outcome.
// Returns false when the reservation was already settled.
func (s *Service) Release(ctx context.Context, tx models.Transaction, outcome Outcome, by string) (bool, error) {
	if !tx.Type.IsLock() {
		return false, fmt.Errorf("%w: can't release %s", apperrors.ErrInvalidTransition, tx.Type)
	}

	to, err := releaseTarget(tx.Type, outcome)
	if err != nil {
		return false, err
	}

	var settled bool
	err = s.storage.InTx(ctx, func(st repository.Storage) error {
		if _, _, err := st.Ledger().Detach(ctx, tx.ID, s.now()); err != nil {
			return err
		}

		var err error
		settled, err = s.settleIn(ctx, st, tx.ID, tx.Type, to, by)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("can't release transaction %s: %w", tx.ID, err)
	}

	return settled, nil
}

func releaseTarget(from models.TxType, outcome Outcome) (models.TxType, error) {
	switch {
	case outcome == OutcomeRefund:
		return models.TxTypeRefund, nil
	case outcome == OutcomeSettle && from == models.TxTypeLock:
		return models.TxTypeConsume, nil
	case outcome == OutcomeSettle && from == models.TxTypeBonusLock:
		return models.TxTypeBonusUnlock, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q for %s", apperrors.ErrInvalidTransition, outcome, from)
	}
}

func (s *Service) Balance(ctx context.Context, key models.AccountKey) (models.Account, error) {
	if err := validateKey(key); err != nil {
		return models.Account{}, err
	}
	return s.storage.Ledger().GetAccount(ctx, key)
}

func (s *Service) History(ctx context.Context, key models.AccountKey, limit int) ([]models.Transaction, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return s.storage.Ledger().ListTransactions(ctx, key, limit)
}

func (s *Service) Transaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return s.storage.Ledger().GetTransaction(ctx, id)
}

// DetachedReservations lists reservations cut off from their booking that still wait for an outcome
func (s *Service) DetachedReservations(ctx context.Context, limit int) ([]models.Transaction, error) {
	return s.storage.Ledger().FindDetachedLocks(ctx, nil, limit)
}

// ResolveReservation releases a single reservation by id and returns it in its settled form.
// Settled transactions are rejected with apperrors.ErrInvalidTransition.
func (s *Service) ResolveReservation(ctx context.Context, id uuid.UUID, outcome Outcome, by string) (models.Transaction, error) {
	tx, err := s.storage.Ledger().GetTransaction(ctx, id)
	if err != nil {
		return models.Transaction{}, err
	}

	released, err := s.Release(ctx, tx, outcome, by)
	if err != nil {
		return models.Transaction{}, err
	}
	if !released {
		return models.Transaction{}, fmt.Errorf("%w: transaction %s is already settled", apperrors.ErrInvalidTransition, id)
	}

	s.logger.Info("Reservation resolved", "transaction_id", id, "outcome", outcome, "by", by)
	return s.storage.Ledger().GetTransaction(ctx, id)
}

func (s *Service) ReservationStats(ctx context.Context) ([]models.LockStat, error) {
	return s.storage.Ledger().LockStats(ctx, s.now())
}
