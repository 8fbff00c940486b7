package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/classcredits/internal/apperrors"
	"github.com/nkiryanov/classcredits/internal/handlers/render"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/service/booking"
)

// renderServiceError maps service errors to status codes; unknown errors are logged and hidden
func renderServiceError(w http.ResponseWriter, err error, l logger.Logger) {
	var balanceErr *apperrors.InsufficientBalanceError

	switch {
	case errors.As(err, &balanceErr):
		render.ServiceError(w, balanceErr.Error(), http.StatusPaymentRequired)
	case errors.Is(err, apperrors.ErrInsufficientBalance):
		render.ServiceError(w, "Insufficient balance", http.StatusPaymentRequired)
	case errors.Is(err, apperrors.ErrInvalidQuantity),
		errors.Is(err, apperrors.ErrScopeRequired),
		errors.Is(err, apperrors.ErrHolderRequired),
		errors.Is(err, apperrors.ErrInvalidLedger),
		errors.Is(err, booking.ErrBookingRequired):
		render.ServiceError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, apperrors.ErrAccountNotFound),
		errors.Is(err, apperrors.ErrTransactionNotFound):
		render.ServiceError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrDuplicate):
		render.ServiceError(w, "Already processed", http.StatusConflict)
	case errors.Is(err, booking.ErrBookingCancelled),
		errors.Is(err, apperrors.ErrInvalidTransition):
		render.ServiceError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		l.Warn("Ledger store unavailable", "error", err)
		render.ServiceError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		l.Error("Unexpected service error", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}
