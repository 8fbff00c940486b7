// Package notify delivers settled reservation events to holders.
// Delivery is best effort: failures are logged and never change ledger state.
package notify

import (
	"context"

	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
)

type Notifier interface {
	OnSettled(ctx context.Context, event models.SettledEvent) error
}

// LogNotifier only writes events to the log. Used when no message bus is configured.
type LogNotifier struct {
	logger logger.Logger
}

func NewLogNotifier(l logger.Logger) *LogNotifier {
	return &LogNotifier{logger: l.With("component", "notifier")}
}

func (n *LogNotifier) OnSettled(_ context.Context, e models.SettledEvent) error {
	n.logger.Info("Reservation settled",
		"transaction_id", e.TransactionID, "ledger", e.Ledger, "holder", e.HolderID,
		"scope", e.ScopeID, "type", e.Type, "quantity", e.Quantity)
	return nil
}
