package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/classcredits/internal/handlers/render"
	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/service/balance"
	"github.com/nkiryanov/classcredits/internal/service/settlement"
)

const processedByOps = "ops"

type runResponse struct {
	RunID               string                   `json:"run_id"`
	Trigger             settlement.Trigger       `json:"trigger"`
	StartedAt           time.Time                `json:"started_at"`
	FinishedAt          time.Time                `json:"finished_at"`
	ProcessedPhaseCount int                      `json:"processed_phase_count"`
	Errors              []string                 `json:"errors"`
	Phases              []settlement.PhaseReport `json:"phases"`
}

func newRunResponse(r settlement.RunResult) runResponse {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}

	return runResponse{
		RunID:               r.RunID.String(),
		Trigger:             r.Trigger,
		StartedAt:           r.StartedAt,
		FinishedAt:          r.FinishedAt,
		ProcessedPhaseCount: r.ProcessedPhaseCount,
		Errors:              errs,
		Phases:              r.Phases,
	}
}

func handleStatus(s scheduler, ledger ledgerService, l logger.Logger) http.HandlerFunc {
	type reservations struct {
		Ledger        string `json:"ledger"`
		Type          string `json:"type"`
		ActiveCount   int64  `json:"active_count"`
		ActiveQty     int64  `json:"active_qty"`
		PendingCount  int64  `json:"pending_count"`
		PendingQty    int64  `json:"pending_qty"`
		DetachedCount int64  `json:"detached_count"`
		DetachedQty   int64  `json:"detached_qty"`
	}

	type response struct {
		State        settlement.State `json:"state"`
		Phase        settlement.Phase `json:"phase,omitempty"`
		Interval     string           `json:"interval"`
		LastRun      *runResponse     `json:"last_run"`
		Reservations []reservations   `json:"reservations"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := ledger.ReservationStats(r.Context())
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		status := s.Status()
		resp := response{
			State:        status.State,
			Phase:        status.Phase,
			Interval:     status.Interval.String(),
			Reservations: make([]reservations, 0, len(stats)),
		}
		if status.LastRun != nil {
			last := newRunResponse(*status.LastRun)
			resp.LastRun = &last
		}
		for _, st := range stats {
			resp.Reservations = append(resp.Reservations, reservations{
				Ledger:        string(st.Ledger),
				Type:          string(st.Type),
				ActiveCount:   st.ActiveCount,
				ActiveQty:     st.ActiveQty,
				PendingCount:  st.PendingCount,
				PendingQty:    st.PendingQty,
				DetachedCount: st.DetachedCount,
				DetachedQty:   st.DetachedQty,
			})
		}

		render.JSON(w, resp)
	}
}

// handleTrigger runs settlement detached from the request: a dropped client must not abort the run half way.
// The run is still bounded by the scheduler run timeout.
func handleTrigger(s scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := s.RunOnce(context.WithoutCancel(r.Context()), settlement.TriggerManual)
		render.JSON(w, newRunResponse(result))
	}
}

func handleDetachedReservations(ledger ledgerService, l logger.Logger) http.HandlerFunc {
	type response struct {
		transactionResponse
		DetachedBookingID string     `json:"detached_booking_id"`
		DetachedAt        *time.Time `json:"detached_at"`
	}

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

		txs, err := ledger.DetachedReservations(r.Context(), limit)
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		resp := make([]response, 0, len(txs))
		for _, tx := range txs {
			resp = append(resp, response{
				transactionResponse: newTransactionResponse(tx),
				DetachedBookingID:   tx.Meta.DetachedBookingID,
				DetachedAt:          tx.Meta.DetachedAt,
			})
		}
		render.JSON(w, resp)
	}
}

// handleResolveReservation gives a reservation an outcome by hand: refund returns units, settle charges them
func handleResolveReservation(ledger ledgerService, l logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
		if err != nil {
			render.ServiceError(w, "invalid transaction id", http.StatusUnprocessableEntity)
			return
		}

		outcome := balance.Outcome(chi.URLParam(r, "outcome"))
		if outcome != balance.OutcomeRefund && outcome != balance.OutcomeSettle {
			render.ServiceError(w, "outcome must be refund or settle", http.StatusUnprocessableEntity)
			return
		}

		tx, err := ledger.ResolveReservation(r.Context(), id, outcome, processedByOps)
		if err != nil {
			renderServiceError(w, err, l)
			return
		}

		render.JSON(w, newTransactionResponse(tx))
	}
}
