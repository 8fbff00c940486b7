package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/nkiryanov/classcredits/internal/handlers/middleware"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/service/balance"
	"github.com/nkiryanov/classcredits/internal/service/booking"
	"github.com/nkiryanov/classcredits/internal/service/settlement"
)

func NewRouter(
	scheduler scheduler,
	ledgerService ledgerService,
	bookingService bookingService,
	corsOrigins []string,
	logger logger.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/status", handleStatus(scheduler, ledgerService, logger))
			r.Post("/trigger", handleTrigger(scheduler))
			r.Get("/reservations/detached", handleDetachedReservations(ledgerService, logger))
			r.Post("/reservations/{transactionID}/{outcome}", handleResolveReservation(ledgerService, logger))
		})

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", handleBookingCreated(bookingService, logger))
			r.Post("/{bookingID}/cancel", handleBookingCancelled(bookingService, logger))
		})

		r.Route("/accounts/{ledger}/{holderID}", func(r chi.Router) {
			r.Get("/", handleAccountBalance(ledgerService, logger))
			r.Get("/transactions", handleAccountHistory(ledgerService, logger))
			r.Post("/purchases", handlePurchase(ledgerService, logger))
			r.Post("/debits", handleDebit(ledgerService, logger))
		})
	})

	return r
}

type scheduler interface {
	Status() settlement.Status

	// Run every settlement phase now and wait for the result
	RunOnce(ctx context.Context, trigger settlement.Trigger) settlement.RunResult
}

type ledgerService interface {
	// If the same reference was credited before, has to return the existing transaction and apperrors.ErrDuplicate
	Purchase(ctx context.Context, c balance.Credit) (models.Transaction, error)
	Debit(ctx context.Context, d balance.Debit) (models.Transaction, error)

	// Has to return apperrors.ErrScopeRequired if scope is empty
	Balance(ctx context.Context, key models.AccountKey) (models.Account, error)
	History(ctx context.Context, key models.AccountKey, limit int) ([]models.Transaction, error)
	ReservationStats(ctx context.Context) ([]models.LockStat, error)

	DetachedReservations(ctx context.Context, limit int) ([]models.Transaction, error)
	// Has to return apperrors.ErrInvalidTransition if the transaction is not a pending reservation
	ResolveReservation(ctx context.Context, id uuid.UUID, outcome balance.Outcome, by string) (models.Transaction, error)
}

type bookingService interface {
	OnBookingCreated(ctx context.Context, b models.BookingCreated) (booking.CreatedResult, error)
	OnBookingCancelled(ctx context.Context, bookingID string, c models.Cancellation) (booking.CancellationResult, error)
}
