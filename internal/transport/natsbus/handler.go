// Package natsbus receives booking lifecycle events from the message bus
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"

	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
	"github.com/nkiryanov/classcredits/internal/service/booking"
)

const (
	SubjectBookingCreated   = "bookings.created"
	SubjectBookingCancelled = "bookings.cancelled"
	QueueGroup              = "classcredits"
)

type bookingService interface {
	OnBookingCreated(ctx context.Context, b models.BookingCreated) (booking.CreatedResult, error)
	OnBookingCancelled(ctx context.Context, bookingID string, c models.Cancellation) (booking.CancellationResult, error)
}

// Satisfied by *nats.Conn
type subscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type BookingCreatedMessage struct {
	BookingID      string    `json:"booking_id" validate:"required"`
	Ledger         string    `json:"ledger" validate:"omitempty,oneof=student_classes trainer_hours"`
	HolderID       string    `json:"holder_id" validate:"required"`
	ScopeID        string    `json:"scope_id" validate:"required"`
	Quantity       int64     `json:"quantity" validate:"gte=0"`
	StartsAt       time.Time `json:"starts_at" validate:"required"`
	BonusTrainerID string    `json:"bonus_trainer_id"`
	BonusHours     int64     `json:"bonus_hours" validate:"gte=0"`
}

type BookingCancelledMessage struct {
	BookingID   string    `json:"booking_id" validate:"required"`
	HolderID    string    `json:"holder_id"`
	CreditsCost int64     `json:"credits_cost"`
	StartTime   time.Time `json:"start_time" validate:"required"`
	CancelledAt time.Time `json:"cancelled_at"`
}

type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Handler subscribes to booking subjects and delegates to the booking service
type Handler struct {
	conn     subscriber
	bookings bookingService
	validate *validator.Validate
	logger   logger.Logger
	subs     []*nats.Subscription
}

func NewHandler(conn subscriber, bookings bookingService, l logger.Logger) *Handler {
	return &Handler{
		conn:     conn,
		bookings: bookings,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   l.With("component", "natsbus"),
	}
}

// Start subscribes and blocks until ctx is done, then drains subscriptions
func (h *Handler) Start(ctx context.Context) error {
	subjects := map[string]func(context.Context, *nats.Msg) error{
		SubjectBookingCreated:   h.handleCreated,
		SubjectBookingCancelled: h.handleCancelled,
	}

	for subject, handle := range subjects {
		sub, err := h.conn.QueueSubscribe(subject, QueueGroup, func(m *nats.Msg) {
			err := handle(ctx, m)
			if err != nil {
				h.logger.Error("Failed to handle booking event", "error", err, "subject", m.Subject)
			}
			h.respond(m, err)
		})
		if err != nil {
			h.drain()
			return fmt.Errorf("can't subscribe to %s: %w", subject, err)
		}
		h.subs = append(h.subs, sub)
	}

	h.logger.Info("Listening booking events", "queue", QueueGroup)

	<-ctx.Done()
	h.logger.Info("Draining booking subscriptions")
	h.drain()
	return nil
}

func (h *Handler) drain() {
	for _, sub := range h.subs {
		if err := sub.Drain(); err != nil {
			h.logger.Warn("Failed to drain subscription", "error", err, "subject", sub.Subject)
		}
	}
	h.subs = nil
}

func (h *Handler) respond(m *nats.Msg, err error) {
	if m.Reply == "" {
		return
	}

	r := reply{OK: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	data, _ := json.Marshal(r)

	if err := m.Respond(data); err != nil {
		h.logger.Warn("Failed to reply", "error", err, "subject", m.Subject)
	}
}

func (h *Handler) decode(m *nats.Msg, v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("can't decode %s message: %w", m.Subject, err)
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %s message: %w", m.Subject, err)
	}
	return nil
}

func (h *Handler) handleCreated(ctx context.Context, m *nats.Msg) error {
	var msg BookingCreatedMessage
	if err := h.decode(m, &msg); err != nil {
		return err
	}

	_, err := h.bookings.OnBookingCreated(ctx, models.BookingCreated{
		BookingID:      msg.BookingID,
		Ledger:         models.Ledger(msg.Ledger),
		HolderID:       msg.HolderID,
		ScopeID:        msg.ScopeID,
		Quantity:       msg.Quantity,
		StartsAt:       msg.StartsAt,
		Source:         models.SourceStudent,
		BonusTrainerID: msg.BonusTrainerID,
		BonusHours:     msg.BonusHours,
	})
	return err
}

func (h *Handler) handleCancelled(ctx context.Context, m *nats.Msg) error {
	var msg BookingCancelledMessage
	if err := h.decode(m, &msg); err != nil {
		return err
	}

	_, err := h.bookings.OnBookingCancelled(ctx, msg.BookingID, models.Cancellation{
		HolderID:    msg.HolderID,
		CreditsCost: msg.CreditsCost,
		StartTime:   msg.StartTime,
		CancelledAt: msg.CancelledAt,
	})
	return err
}
