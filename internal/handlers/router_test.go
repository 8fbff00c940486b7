package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/service/balance"
	"github.com/nkiryanov/classcredits/internal/service/booking"
	"github.com/nkiryanov/classcredits/internal/service/notify"
	"github.com/nkiryanov/classcredits/internal/service/settlement"
	"github.com/nkiryanov/classcredits/internal/testutil"
)

// Start http server with production services over in-memory sqlite
func startServer(t *testing.T) string {
	t.Helper()
	url, _ := startServerWithLedger(t)
	return url
}

func startServerWithLedger(t *testing.T) (string, *balance.Service) {
	t.Helper()
	l := logger.NewNoOpLogger()

	storage := testutil.NewSQLiteStorage(t)
	bal := balance.NewService(storage, l)
	notifier := notify.NewLogNotifier(l)
	bookings := booking.NewService(booking.Config{}, bal, storage.Bookings(), storage.Ledger(), notifier, l)
	rec := settlement.NewReconciler(storage.Bookings(), storage.Ledger(), bal, 0, l)
	sched := settlement.NewScheduler(settlement.Config{RetryDelay: time.Millisecond}, bal, storage.Ledger(), rec, notifier, l)

	srv := httptest.NewServer(NewRouter(sched, bal, bookings, []string{"*"}, l))
	t.Cleanup(srv.Close)
	return srv.URL, bal
}

func do(t *testing.T, method string, url string, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestRouter_Accounts(t *testing.T) {
	url := startServer(t)
	account := url + "/api/accounts/student_classes/student-1"

	t.Run("purchase", func(t *testing.T) {
		code, body := do(t, http.MethodPost, account+"/purchases", `{"scope_id":"franchise-1","quantity":5,"reference":"payment-1"}`)
		require.Equalf(t, http.StatusCreated, code, "body: %s", body)

		var created transactionResponse
		require.NoError(t, json.Unmarshal([]byte(body), &created))
		require.Equal(t, "PURCHASE", created.Type)

		code, body = do(t, http.MethodPost, account+"/purchases", `{"scope_id":"franchise-1","quantity":5,"reference":"payment-1"}`)
		require.Equal(t, http.StatusOK, code, "repeated callback should not credit twice")
		var repeated transactionResponse
		require.NoError(t, json.Unmarshal([]byte(body), &repeated))
		require.Equal(t, created.ID, repeated.ID)
	})

	t.Run("balance", func(t *testing.T) {
		code, body := do(t, http.MethodGet, account+"?scope=franchise-1", "")

		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "student_classes", jsonField(t, body, "ledger"))
		require.Equal(t, "franchise-1", jsonField(t, body, "scope_id"))
		require.Equal(t, "5", jsonField(t, body, "total_purchased"))
		require.Equal(t, "0", jsonField(t, body, "locked"))
		require.Equal(t, "5", jsonField(t, body, "available"))
	})

	t.Run("history", func(t *testing.T) {
		code, body := do(t, http.MethodGet, account+"/transactions?scope=franchise-1&limit=10", "")

		require.Equal(t, http.StatusOK, code)
		var txs []transactionResponse
		require.NoError(t, json.Unmarshal([]byte(body), &txs))
		require.Len(t, txs, 1)
	})

	t.Run("debit", func(t *testing.T) {
		code, body := do(t, http.MethodPost, account+"/debits", `{"scope_id":"franchise-1","quantity":1,"reference":"correction-1","reason":"manual correction"}`)
		require.Equalf(t, http.StatusCreated, code, "body: %s", body)

		var debited transactionResponse
		require.NoError(t, json.Unmarshal([]byte(body), &debited))
		require.Equal(t, "CONSUME", debited.Type)

		code, body = do(t, http.MethodPost, account+"/debits", `{"scope_id":"franchise-1","quantity":1,"reference":"correction-1"}`)
		require.Equal(t, http.StatusOK, code, "repeated correction should not charge twice")
		require.Equal(t, debited.ID, jsonField(t, body, "id"))

		code, body = do(t, http.MethodPost, account+"/debits", `{"scope_id":"franchise-1","quantity":100}`)
		require.Equalf(t, http.StatusPaymentRequired, code, "body: %s", body)

		code, body = do(t, http.MethodGet, account+"?scope=franchise-1", "")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "4", jsonField(t, body, "available"))
		require.Equal(t, "1", jsonField(t, body, "total_consumed"))
	})

	t.Run("invalid requests", func(t *testing.T) {
		tests := []struct {
			name   string
			method string
			url    string
			body   string
			code   int
		}{
			{"scope required", http.MethodGet, account, "", http.StatusUnprocessableEntity},
			{"unknown ledger", http.MethodGet, url + "/api/accounts/gold/student-1?scope=franchise-1", "", http.StatusUnprocessableEntity},
			{"bad limit", http.MethodGet, account + "/transactions?scope=franchise-1&limit=-1", "", http.StatusUnprocessableEntity},
			{"zero quantity", http.MethodPost, account + "/purchases", `{"scope_id":"franchise-1","quantity":0}`, http.StatusUnprocessableEntity},
			{"broken json", http.MethodPost, account + "/purchases", `{`, http.StatusBadRequest},
			{"zero debit", http.MethodPost, account + "/debits", `{"scope_id":"franchise-1","quantity":0}`, http.StatusUnprocessableEntity},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				code, body := do(t, tc.method, tc.url, tc.body)
				require.Equalf(t, tc.code, code, "body: %s", body)
			})
		}
	})
}

func TestRouter_Bookings(t *testing.T) {
	url := startServer(t)
	startsAt := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	booking := `{"booking_id":"booking-1","ledger":"student_classes","holder_id":"student-1","scope_id":"franchise-1","quantity":1,"starts_at":"` + startsAt + `"}`

	t.Run("insufficient balance", func(t *testing.T) {
		code, body := do(t, http.MethodPost, url+"/api/bookings", booking)

		require.Equalf(t, http.StatusPaymentRequired, code, "body: %s", body)
		require.Contains(t, body, "insufficient balance")
	})

	t.Run("create", func(t *testing.T) {
		code, _ := do(t, http.MethodPost, url+"/api/accounts/student_classes/student-1/purchases", `{"scope_id":"franchise-1","quantity":2}`)
		require.Equal(t, http.StatusCreated, code)

		code, body := do(t, http.MethodPost, url+"/api/bookings", booking)

		require.Equalf(t, http.StatusOK, code, "body: %s", body)
		require.Equal(t, "LOCK", jsonField(t, body, "lock"))
	})

	t.Run("invalid body", func(t *testing.T) {
		code, body := do(t, http.MethodPost, url+"/api/bookings", `{"booking_id":"booking-2"}`)

		require.Equalf(t, http.StatusUnprocessableEntity, code, "body: %s", body)
	})

	t.Run("cancel early", func(t *testing.T) {
		code, body := do(t, http.MethodPost, url+"/api/bookings/booking-1/cancel", `{"holder_id":"student-1","credits_cost":1,"start_time":"`+startsAt+`"}`)

		require.Equalf(t, http.StatusOK, code, "body: %s", body)
		require.JSONEq(t, `{"booking_id":"booking-1","outcome":"refund","released":1,"skipped":0}`, body)

		code, body = do(t, http.MethodGet, url+"/api/accounts/student_classes/student-1?scope=franchise-1", "")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "2", jsonField(t, body, "available"))
	})
}

func TestRouter_Ops(t *testing.T) {
	url := startServer(t)

	t.Run("status before run", func(t *testing.T) {
		code, body := do(t, http.MethodGet, url+"/api/ops/status", "")

		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "idle", jsonField(t, body, "state"))
		require.Equal(t, "null", jsonField(t, body, "last_run"))
	})

	t.Run("trigger", func(t *testing.T) {
		code, body := do(t, http.MethodPost, url+"/api/ops/trigger", "")

		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "3", jsonField(t, body, "processed_phase_count"))
		require.Equal(t, "[]", jsonField(t, body, "errors"))
	})

	t.Run("status after run", func(t *testing.T) {
		code, body := do(t, http.MethodGet, url+"/api/ops/status", "")

		require.Equal(t, http.StatusOK, code)
		require.NotEqual(t, "null", jsonField(t, body, "last_run"))
	})
}

func TestRouter_Reservations(t *testing.T) {
	url, bal := startServerWithLedger(t)
	key := models.AccountKey{Ledger: models.LedgerStudentClasses, HolderID: "student-1", ScopeID: "franchise-1"}

	_, err := bal.Purchase(t.Context(), balance.Credit{Key: key, Quantity: 5, Source: models.SourceAdmin})
	require.NoError(t, err)
	tx, err := bal.Lock(t.Context(), balance.LockRequest{
		Key: key, Quantity: 1, BookingID: "booking-1", UnlockAt: time.Now().Add(time.Hour), Source: models.SourceStudent,
	})
	require.NoError(t, err)
	_, err = bal.Detach(t.Context(), tx)
	require.NoError(t, err)

	t.Run("list detached", func(t *testing.T) {
		code, body := do(t, http.MethodGet, url+"/api/ops/reservations/detached", "")

		require.Equalf(t, http.StatusOK, code, "body: %s", body)
		var detached []map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &detached))
		require.Len(t, detached, 1)
		require.Equal(t, tx.ID.String(), detached[0]["id"])
		require.Equal(t, "booking-1", detached[0]["detached_booking_id"])
		require.Nil(t, detached[0]["booking_id"])
	})

	t.Run("invalid requests", func(t *testing.T) {
		tests := []struct {
			name string
			url  string
			code int
		}{
			{"unknown outcome", url + "/api/ops/reservations/" + tx.ID.String() + "/forgive", http.StatusUnprocessableEntity},
			{"bad id", url + "/api/ops/reservations/not-a-uuid/refund", http.StatusUnprocessableEntity},
			{"unknown transaction", url + "/api/ops/reservations/" + uuid.NewString() + "/refund", http.StatusNotFound},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				code, body := do(t, http.MethodPost, tc.url, "")
				require.Equalf(t, tc.code, code, "body: %s", body)
			})
		}
	})

	t.Run("refund", func(t *testing.T) {
		code, body := do(t, http.MethodPost, url+"/api/ops/reservations/"+tx.ID.String()+"/refund", "")

		require.Equalf(t, http.StatusOK, code, "body: %s", body)
		require.Equal(t, "REFUND", jsonField(t, body, "type"))

		code, body = do(t, http.MethodGet, url+"/api/accounts/student_classes/student-1?scope=franchise-1", "")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "0", jsonField(t, body, "locked"))
		require.Equal(t, "5", jsonField(t, body, "available"))
	})

	t.Run("already resolved", func(t *testing.T) {
		code, body := do(t, http.MethodPost, url+"/api/ops/reservations/"+tx.ID.String()+"/settle", "")
		require.Equalf(t, http.StatusConflict, code, "body: %s", body)

		code, body = do(t, http.MethodGet, url+"/api/ops/reservations/detached", "")
		require.Equal(t, http.StatusOK, code)
		require.JSONEq(t, "[]", body)
	})
}

// ctxScheduler records the context RunOnce was called with
type ctxScheduler struct {
	ctx context.Context
}

func (s *ctxScheduler) Status() settlement.Status { return settlement.Status{} }

func (s *ctxScheduler) RunOnce(ctx context.Context, trigger settlement.Trigger) settlement.RunResult {
	s.ctx = ctx
	return settlement.RunResult{Trigger: trigger}
}

func Test_handleTrigger(t *testing.T) {
	t.Run("run survives client disconnect", func(t *testing.T) {
		s := &ctxScheduler{}
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/api/ops/trigger", nil).WithContext(ctx)
		w := httptest.NewRecorder()

		handleTrigger(s).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, s.ctx)
		require.NoError(t, s.ctx.Err(), "run context must not follow the request")
	})
}

// jsonField returns top level field of json object: strings unquoted, objects with a 'type' key as that type, others raw
func jsonField(t *testing.T, body string, field string) string {
	t.Helper()

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &obj), "body: %s", body)
	raw, ok := obj[field]
	require.Truef(t, ok, "field %s not found in %s", field, body)

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var nested struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Type != "" {
		return nested.Type
	}

	return string(raw)
}
