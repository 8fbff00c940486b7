package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
)

const (
	defaultCountWorkers = 4
	defaultQueueSize    = 1024
	defaultSendTimeout  = 5 * time.Second
)

var ErrQueueFull = errors.New("notification queue is full, event dropped")

// Dispatcher makes OnSettled non blocking: events are queued and sent by background workers
type Dispatcher struct {
	countWorkers int
	sendTimeout  time.Duration

	queue   chan models.SettledEvent
	dropped atomic.Int64

	next   Notifier
	logger logger.Logger
}

func NewDispatcher(next Notifier, countWorkers int, queueSize int, l logger.Logger) *Dispatcher {
	if countWorkers <= 0 {
		countWorkers = defaultCountWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Dispatcher{
		countWorkers: countWorkers,
		sendTimeout:  defaultSendTimeout,
		queue:        make(chan models.SettledEvent, queueSize),
		next:         next,
		logger:       l.With("component", "dispatcher"),
	}
}

// OnSettled queues the event. It never waits: if the queue is full the event is dropped.
func (d *Dispatcher) OnSettled(_ context.Context, e models.SettledEvent) error {
	select {
	case d.queue <- e:
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run starts workers. Returned channel is closed when every worker stopped.
// Events still queued when ctx is done are discarded.
func (d *Dispatcher) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < d.countWorkers; i++ {
		wg.Add(1)
		go func() {
			d.worker(ctx)
			wg.Done()
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		if left := len(d.queue); left > 0 {
			d.logger.Warn("Dispatcher stopped with undelivered events", "count", left)
		}
		d.logger.Debug("Dispatcher stopped")
	}()

	return idleStopped
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case e := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			err := d.next.OnSettled(sendCtx, e)
			cancel()

			if err != nil {
				d.logger.Error("Failed to deliver settled event", "error", err, "transaction_id", e.TransactionID)
			}
		}
	}
}
