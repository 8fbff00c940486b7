package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/handlers/render"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/service/balance"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Account key from path params and 'scope' query param
func accountKey(r *http.Request) models.AccountKey {
	return models.AccountKey{
		Ledger:   models.Ledger(chi.URLParam(r, "ledger")),
		HolderID: chi.URLParam(r, "holderID"),
		ScopeID:  r.URL.Query().Get("scope"),
	}
}

func handleAccountBalance(ledger ledgerService, l logger.Logger) http.HandlerFunc {
	type response struct {
		Ledger         string    `json:"ledger"`
		HolderID       string    `json:"holder_id"`
		ScopeID        string    `json:"scope_id"`
		TotalPurchased int64     `json:"total_purchased"`
		TotalConsumed  int64     `json:"total_consumed"`
		Locked         int64     `json:"locked"`
		Available      int64     `json:"available"`
		UpdatedAt      time.Time `json:"updated_at"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		account, err := ledger.Balance(r.Context(), accountKey(r))
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, response{
			Ledger:         string(account.Ledger),
			HolderID:       account.HolderID,
			ScopeID:        account.ScopeID,
			TotalPurchased: account.TotalPurchased,
			TotalConsumed:  account.TotalConsumed,
			Locked:         account.LockedQty,
			Available:      account.Available(),
			UpdatedAt:      account.UpdatedAt,
		})
	}
}

func handleAccountHistory(ledger ledgerService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				render.ServiceError(w, "limit must be a positive integer", http.StatusUnprocessableEntity)
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		txs, err := ledger.History(r.Context(), accountKey(r), limit)
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		resp := make([]transactionResponse, 0, len(txs))
		for _, tx := range txs {
			resp = append(resp, newTransactionResponse(tx))
		}
		render.JSON(w, resp)
	}
}

func handlePurchase(ledger ledgerService, l logger.Logger) http.HandlerFunc {
	type request struct {
		ScopeID   string `json:"scope_id" validate:"required"`
		Quantity  int64  `json:"quantity" validate:"gt=0"`
		Reference string `json:"reference"`
		Reason    string `json:"reason"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		key := accountKey(r)
		key.ScopeID = req.ScopeID

		tx, err := ledger.Purchase(r.Context(), balance.Credit{
			Key:       key,
			Quantity:  req.Quantity,
			Source:    models.SourceAdmin,
			Reference: req.Reference,
			Reason:    req.Reason,
		})

		switch {
		case err == nil:
			render.Created(w, newTransactionResponse(tx))
		case errors.Is(err, apperrors.ErrDuplicate):
			// Repeated payment callback: answer with the first credit
			render.JSON(w, newTransactionResponse(tx))
		default:
			renderServiceError(w, err, l)
		}
	}
}

func handleDebit(ledger ledgerService, l logger.Logger) http.HandlerFunc {
	type request struct {
		ScopeID   string `json:"scope_id" validate:"required"`
		Quantity  int64  `json:"quantity" validate:"gt=0"`
		Reference string `json:"reference"`
		Reason    string `json:"reason"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		key := accountKey(r)
		key.ScopeID = req.ScopeID

		tx, err := ledger.Debit(r.Context(), balance.Debit{
			Key:       key,
			Quantity:  req.Quantity,
			Source:    models.SourceAdmin,
			Reference: req.Reference,
			Reason:    req.Reason,
		})

		switch {
		case err == nil:
			render.Created(w, newTransactionResponse(tx))
		case errors.Is(err, apperrors.ErrDuplicate):
			render.JSON(w, newTransactionResponse(tx))
		default:
			renderServiceError(w, err, l)
		}
	}
}
