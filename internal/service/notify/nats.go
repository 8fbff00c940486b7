package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nkiryanov/classcredits/internal/models"
)

const SubjectSettled = "ledger.settled"

// Satisfied by *nats.Conn
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher sends settled events as JSON messages
type NATSPublisher struct {
	conn    publisher
	subject string
}

func NewNATSPublisher(conn publisher) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: SubjectSettled}
}

func (p *NATSPublisher) OnSettled(_ context.Context, e models.SettledEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("can't encode settled event: %w", err)
	}

	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("can't publish settled event %s: %w", e.TransactionID, err)
	}
	return nil
}
