package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/classcredits/internal/db"
	"github.com/nkiryanov/classcredits/internal/handlers"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/repository"
	"github.com/nkiryanov/classcredits/internal/repository/postgres"
	"github.com/nkiryanov/classcredits/internal/repository/sqlite"
	"github.com/nkiryanov/classcredits/internal/service/balance"
	"github.com/nkiryanov/classcredits/internal/service/booking"
	"github.com/nkiryanov/classcredits/internal/service/notify"
	"github.com/nkiryanov/classcredits/internal/service/settlement"
	"github.com/nkiryanov/classcredits/internal/transport/natsbus"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	logger     logger.Logger
	server     *http.Server
	scheduler  *settlement.Scheduler
	dispatcher *notify.Dispatcher
	bus        *natsbus.Handler

	// Release connections in reverse order
	closers []func()
}

func NewApp(ctx context.Context, c *Config) (app *App, err error) {
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app = &App{logger: l}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	storage, err := app.openStorage(ctx, c)
	if err != nil {
		return nil, err
	}

	var nc *nats.Conn
	if c.NATSURL != "" {
		nc, err = nats.Connect(c.NATSURL, nats.Name("classcredits"))
		if err != nil {
			return nil, fmt.Errorf("error while connecting to nats: %w", err)
		}
		app.closers = append(app.closers, func() { _ = nc.Drain() })
	}

	// Notifications: bus or log, deduplicated in redis if configured, always async
	var notifier notify.Notifier = notify.NewLogNotifier(l)
	if nc != nil {
		notifier = notify.NewNATSPublisher(nc)
	}
	if c.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		app.closers = append(app.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("error while connecting to redis: %w", err)
		}
		notifier = notify.NewDeduper(rdb, 0, notifier, l)
	}
	app.dispatcher = notify.NewDispatcher(notifier, 0, 0, l)

	balanceService := balance.NewService(storage, l)
	bookingService := booking.NewService(booking.Config{
		StudentLockWindow: c.StudentLockWindow,
		TrainerLockWindow: c.TrainerLockWindow,
		BonusDelay:        c.TrainerBonusDelay,
		RefundCutoff:      c.RefundCutoff,
	}, balanceService, storage.Bookings(), storage.Ledger(), app.dispatcher, l)

	reconciler := settlement.NewReconciler(storage.Bookings(), storage.Ledger(), balanceService, c.CancelLookback, l)
	app.scheduler = settlement.NewScheduler(settlement.Config{
		Interval:      c.SweepInterval,
		RunTimeout:    c.SweepRunTimeout,
		PhaseAttempts: c.SweepPhaseAttempts,
		RetryDelay:    c.SweepRetryDelay,
		StoreTimeout:  c.StoreTimeout,
		BatchSize:     c.SweepBatchSize,
	}, balanceService, storage.Ledger(), reconciler, app.dispatcher, l)

	if nc != nil {
		app.bus = natsbus.NewHandler(nc, bookingService, l)
	}

	app.server = &http.Server{
		Addr:              c.ListenAddr,
		Handler:           handlers.NewRouter(app.scheduler, balanceService, bookingService, c.CORSOrigins, l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

// Postgres if dsn is set, sqlite file otherwise
func (a *App) openStorage(ctx context.Context, c *Config) (repository.Storage, error) {
	if c.DatabaseDSN != "" {
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.logger.Info("Using postgres ledger store")
		return postgres.NewStorage(pool), nil
	}

	sqlDB, err := sqlite.Open(ctx, c.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("error while opening sqlite: %w", err)
	}
	a.closers = append(a.closers, func() { _ = sqlDB.Close() })
	a.logger.Info("Using sqlite ledger store", "path", c.SQLitePath)
	return sqlite.NewStorage(sqlDB), nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run starts every component and stops all of them when ctx is cancelled or any fails
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-a.dispatcher.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-a.scheduler.Run(ctx)
		return nil
	})

	if a.bus != nil {
		g.Go(func() error {
			return a.bus.Start(ctx)
		})
	}

	g.Go(func() error {
		return a.serve(ctx)
	})

	return g.Wait()
}

// serve runs http server and closes it gracefully on context cancellation
func (a *App) serve(ctx context.Context) error {
	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.server.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			a.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		a.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	a.logger.Info("Starting server", "address", a.server.Addr)
	err := a.server.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
