package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/repository"
)

const (
	defaultInterval      = 15 * time.Minute
	defaultPhaseAttempts = 2
	defaultRetryDelay    = 5 * time.Second
	defaultStoreTimeout  = 5 * time.Second
	defaultBatchSize     = 500

	processedBy = "scheduler"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Phase string

const (
	PhaseStudent Phase = "student"
	PhaseTrainer Phase = "trainer"
	PhaseCleanup Phase = "cleanup"
)

var phases = []Phase{PhaseStudent, PhaseTrainer, PhaseCleanup}

type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerManual Trigger = "manual"
)

type balanceService interface {
	Consume(ctx context.Context, tx models.Transaction, by string) (bool, error)
	BonusUnlock(ctx context.Context, tx models.Transaction, by string) (bool, error)
}

type expiredLockFinder interface {
	FindExpiredLocks(ctx context.Context, opts repository.FindExpiredOpts) ([]models.Transaction, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, now time.Time) (ReconcileReport, error)
}

type notifier interface {
	OnSettled(ctx context.Context, event models.SettledEvent) error
}

type Config struct {
	// Time between timer runs
	Interval time.Duration

	// Soft limit for one run; defaults to Interval
	RunTimeout time.Duration

	// How many times a phase is tried when the store fails to answer
	PhaseAttempts int
	RetryDelay    time.Duration

	// Limit for each single store call
	StoreTimeout time.Duration

	// Page size of expired reservations query
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = c.Interval
	}
	if c.PhaseAttempts <= 0 {
		c.PhaseAttempts = defaultPhaseAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

type PhaseReport struct {
	Phase    Phase    `json:"phase"`
	Found    int      `json:"found"`
	Settled  int      `json:"settled"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Attempts int      `json:"attempts"`
	Errors   []string `json:"errors,omitempty"`
}

type RunResult struct {
	RunID      uuid.UUID `json:"run_id"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Phases whose store queries succeeded
	ProcessedPhaseCount int           `json:"processed_phase_count"`
	Errors              []string      `json:"errors"`
	Phases              []PhaseReport `json:"phases"`
}

type Status struct {
	State    State         `json:"state"`
	Phase    Phase         `json:"phase,omitempty"`
	Interval time.Duration `json:"interval"`
	LastRun  *RunResult    `json:"last_run,omitempty"`
}

// sweep settles one kind of expired reservation
type sweep struct {
	ledger models.Ledger
	from   models.TxType
	to     models.TxType
}

var phaseSweeps = map[Phase][]sweep{
	PhaseStudent: {
		{ledger: models.LedgerStudentClasses, from: models.TxTypeLock, to: models.TxTypeConsume},
	},
	PhaseTrainer: {
		{ledger: models.LedgerTrainerHours, from: models.TxTypeLock, to: models.TxTypeConsume},
		{ledger: models.LedgerTrainerHours, from: models.TxTypeBonusLock, to: models.TxTypeBonusUnlock},
	},
}

// Scheduler periodically settles reservations whose unlock time has passed
type Scheduler struct {
	cfg        Config
	balance    balanceService
	finder     expiredLockFinder
	reconciler reconciler
	notifier   notifier
	logger     logger.Logger
	now        func() time.Time

	// Runs never overlap: a manual trigger waits for the timer run and vice versa
	runMu sync.Mutex

	mu    sync.Mutex
	state State
	phase Phase
	last  *RunResult
}

func NewScheduler(cfg Config, balance balanceService, finder expiredLockFinder, rec reconciler, n notifier, l logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		balance:    balance,
		finder:     finder,
		reconciler: rec,
		notifier:   n,
		logger:     l.With("component", "scheduler"),
		now:        time.Now,
		state:      StateIdle,
	}
}

// Run starts timer runs: the first immediately, then every interval until ctx is done.
// Returned channel is closed when the loop exits.
func (s *Scheduler) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	s.logger.Debug("Starting scheduler", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.RunOnce(ctx, TriggerTimer)

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Scheduler stopped by context")
				return
			case <-ticker.C:
				s.RunOnce(ctx, TriggerTimer)
			}
		}
	}()

	return idleStopped
}

// RunOnce runs every phase in order. A failed phase never stops the following ones.
func (s *Scheduler) RunOnce(ctx context.Context, trigger Trigger) RunResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	result := RunResult{
		RunID:     uuid.New(),
		Trigger:   trigger,
		StartedAt: s.now(),
		Errors:    []string{},
	}
	log := s.logger.With("run_id", result.RunID, "trigger", trigger)
	log.Info("Settlement run started")

	// Reservations already handled in this run, so a retried phase doesn't report them twice
	seen := make(map[uuid.UUID]struct{})

	for _, phase := range phases {
		s.setState(StateRunning, phase)

		var report PhaseReport
		var ok bool
		if phase == PhaseCleanup {
			report, ok = s.cleanupPhase(ctx, result.StartedAt)
		} else {
			report, ok = s.sweepPhase(ctx, phase, result.StartedAt, seen)
		}

		if ok {
			result.ProcessedPhaseCount++
		}
		result.Errors = append(result.Errors, report.Errors...)
		result.Phases = append(result.Phases, report)

		log.Info("Settlement phase finished",
			"phase", phase, "found", report.Found, "settled", report.Settled,
			"skipped", report.Skipped, "failed", report.Failed, "attempts", report.Attempts)
	}

	result.FinishedAt = s.now()

	s.mu.Lock()
	s.state, s.phase = StateIdle, ""
	s.last = &result
	s.mu.Unlock()

	log.Info("Settlement run finished",
		"processed_phase_count", result.ProcessedPhaseCount, "errors", len(result.Errors),
		"duration", result.FinishedAt.Sub(result.StartedAt))

	return result
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{State: s.state, Phase: s.phase, Interval: s.cfg.Interval}
	if s.last != nil {
		last := *s.last
		status.LastRun = &last
	}
	return status
}

func (s *Scheduler) setState(state State, phase Phase) {
	s.mu.Lock()
	s.state, s.phase = state, phase
	s.mu.Unlock()
}

func (s *Scheduler) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(s.cfg.PhaseAttempts-1), retry.NewConstant(s.cfg.RetryDelay))
}

// retryable marks transient store failures for another attempt, anything else fails the phase at once
func retryable(err error) error {
	if apperrors.IsRetryable(err) {
		return retry.RetryableError(err)
	}
	return err
}

// sweepPhase returns false when store queries kept failing after every attempt
func (s *Scheduler) sweepPhase(ctx context.Context, phase Phase, now time.Time, seen map[uuid.UUID]struct{}) (PhaseReport, bool) {
	report := PhaseReport{Phase: phase}

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		report.Attempts++

		for _, sw := range phaseSweeps[phase] {
			if err := s.sweep(ctx, sw, now, &report, seen); err != nil {
				s.logger.Warn("Settlement phase attempt failed", "phase", phase, "attempt", report.Attempts, "error", err)
				return retryable(err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Settlement phase failed", "phase", phase, "attempts", report.Attempts, "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("%s phase: %s", phase, err))
		return report, false
	}

	return report, true
}

// sweep pages through expired reservations; settled rows leave the result set, malformed stay and are passed by the cursor
func (s *Scheduler) sweep(ctx context.Context, sw sweep, now time.Time, report *PhaseReport, seen map[uuid.UUID]struct{}) error {
	opts := repository.FindExpiredOpts{
		Ledger: sw.ledger,
		Type:   sw.from,
		Now:    now,
		Limit:  s.cfg.BatchSize,
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		queryCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		locks, err := s.finder.FindExpiredLocks(queryCtx, opts)
		cancel()
		if err != nil {
			return fmt.Errorf("can't find expired %s on %s ledger: %w", sw.from, sw.ledger, err)
		}

		for _, tx := range locks {
			if _, ok := seen[tx.ID]; ok {
				continue
			}
			seen[tx.ID] = struct{}{}
			report.Found++

			s.settleOne(ctx, sw, tx, report)
		}

		if len(locks) < opts.Limit {
			return nil
		}
		last := locks[len(locks)-1]
		opts.AfterUnlockAt, opts.AfterID = last.UnlockAt, last.ID
	}
}

func (s *Scheduler) settleOne(ctx context.Context, sw sweep, tx models.Transaction, report *PhaseReport) {
	log := s.logger.With("transaction_id", tx.ID, "ledger", tx.Ledger, "type", tx.Type)

	if err := tx.Validate(); err != nil {
		log.Error("Skipping malformed reservation", "error", err)
		report.Failed++
		report.Errors = append(report.Errors, err.Error())
		return
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var settled bool
	var err error
	switch sw.to {
	case models.TxTypeBonusUnlock:
		settled, err = s.balance.BonusUnlock(settleCtx, tx, processedBy)
	default:
		settled, err = s.balance.Consume(settleCtx, tx, processedBy)
	}

	switch {
	case err != nil:
		log.Error("Failed to settle reservation", "error", err)
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("transaction %s: %s", tx.ID, err))

	case !settled:
		log.Debug("Reservation settled concurrently, skipping")
		report.Skipped++

	default:
		report.Settled++
		event := models.NewSettledEvent(tx, sw.to, s.now())
		if err := s.notifier.OnSettled(ctx, event); err != nil {
			log.Warn("Failed to notify about settled reservation", "error", err)
		}
	}
}

func (s *Scheduler) cleanupPhase(ctx context.Context, now time.Time) (PhaseReport, bool) {
	report := PhaseReport{Phase: PhaseCleanup}
	var rec ReconcileReport

	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		report.Attempts++

		var err error
		rec, err = s.reconciler.Reconcile(ctx, now)
		if err != nil {
			s.logger.Warn("Cleanup attempt failed", "attempt", report.Attempts, "error", err)
			return retryable(err)
		}
		return nil
	})

	report.Found = rec.Found
	report.Settled = rec.Detached
	report.Failed = len(rec.Errors)
	report.Errors = append(report.Errors, rec.Errors...)

	if err != nil {
		s.logger.Error("Cleanup phase failed", "attempts", report.Attempts, "error", err)
		report.Errors = append(report.Errors, fmt.Sprintf("%s phase: %s", PhaseCleanup, err))
		return report, false
	}

	return report, true
}
