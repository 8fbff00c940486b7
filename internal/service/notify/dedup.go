package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/classcredits/internal/logger"
	"github.com/nkiryanov/classcredits/internal/models"
)

const defaultDedupTTL = 24 * time.Hour

// Deduper passes each settled event to the next notifier at most once across all replicas.
// The mark lives in redis, so it survives restarts.
type Deduper struct {
	client redis.Cmdable
	ttl    time.Duration
	next   Notifier
	logger logger.Logger
}

func NewDeduper(client redis.Cmdable, ttl time.Duration, next Notifier, l logger.Logger) *Deduper {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	return &Deduper{
		client: client,
		ttl:    ttl,
		next:   next,
		logger: l.With("component", "deduper"),
	}
}

func DedupKey(e models.SettledEvent) string {
	return "ledger:settled:" + e.TransactionID.String()
}

func (d *Deduper) OnSettled(ctx context.Context, e models.SettledEvent) error {
	key := DedupKey(e)

	first, err := d.client.SetNX(ctx, key, string(e.Type), d.ttl).Result()
	if err != nil {
		return fmt.Errorf("can't mark event %s as sent: %w", e.TransactionID, err)
	}
	if !first {
		d.logger.Debug("Event already sent, skipping", "transaction_id", e.TransactionID)
		return nil
	}

	if err := d.next.OnSettled(ctx, e); err != nil {
		// Free the mark so a later attempt may send it
		if delErr := d.client.Del(ctx, key).Err(); delErr != nil {
			d.logger.Warn("Failed to remove dedup mark", "error", delErr, "key", key)
		}
		return err
	}

	return nil
}
