package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/classcredits/internal/handlers/render"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
)

type transactionResponse struct {
	ID        string     `json:"id"`
	Ledger    string     `json:"ledger"`
	HolderID  string     `json:"holder_id"`
	ScopeID   string     `json:"scope_id"`
	Type      string     `json:"type"`
	Quantity  int64      `json:"quantity"`
	BookingID *string    `json:"booking_id"`
	UnlockAt  *time.Time `json:"unlock_at,omitempty"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
}

func newTransactionResponse(tx models.Transaction) transactionResponse {
	return transactionResponse{
		ID:        tx.ID.String(),
		Ledger:    string(tx.Ledger),
		HolderID:  tx.HolderID,
		ScopeID:   tx.ScopeID,
		Type:      string(tx.Type),
		Quantity:  tx.Quantity,
		BookingID: tx.BookingID,
		UnlockAt:  tx.UnlockAt,
		Source:    string(tx.Source),
		CreatedAt: tx.CreatedAt,
	}
}

func handleBookingCreated(bookings bookingService, l logger.Logger) http.HandlerFunc {
	type request struct {
		BookingID      string    `json:"booking_id" validate:"required"`
		Ledger         string    `json:"ledger" validate:"ledger"`
		HolderID       string    `json:"holder_id" validate:"required"`
		ScopeID        string    `json:"scope_id" validate:"required"`
		Quantity       int64     `json:"quantity" validate:"gte=0"`
		StartsAt       time.Time `json:"starts_at" validate:"required"`
		BonusTrainerID string    `json:"bonus_trainer_id"`
		BonusHours     int64     `json:"bonus_hours" validate:"gte=0"`
	}

	type response struct {
		Lock  transactionResponse  `json:"lock"`
		Bonus *transactionResponse `json:"bonus,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		result, err := bookings.OnBookingCreated(r.Context(), models.BookingCreated{
			BookingID:      req.BookingID,
			Ledger:         models.Ledger(req.Ledger),
			HolderID:       req.HolderID,
			ScopeID:        req.ScopeID,
			Quantity:       req.Quantity,
			StartsAt:       req.StartsAt,
			Source:         models.SourceStudent,
			BonusTrainerID: req.BonusTrainerID,
			BonusHours:     req.BonusHours,
		})
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		resp := response{Lock: newTransactionResponse(result.Lock)}
		if result.Bonus != nil {
			bonus := newTransactionResponse(*result.Bonus)
			resp.Bonus = &bonus
		}
		render.JSON(w, resp)
	}
}

func handleBookingCancelled(bookings bookingService, l logger.Logger) http.HandlerFunc {
	type request struct {
		HolderID    string    `json:"holder_id"`
		CreditsCost int64     `json:"credits_cost" validate:"gte=0"`
		StartTime   time.Time `json:"start_time" validate:"required"`
		CancelledAt time.Time `json:"cancelled_at"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		result, err := bookings.OnBookingCancelled(r.Context(), chi.URLParam(r, "bookingID"), models.Cancellation{
			HolderID:    req.HolderID,
			CreditsCost: req.CreditsCost,
			StartTime:   req.StartTime,
			CancelledAt: req.CancelledAt,
		})
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, result)
	}
}
