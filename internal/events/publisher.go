// Package events publishes claim lifecycle events to RabbitMQ for operators
// and downstream consumers. Events are informational; nothing in the claim
// path waits on them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/inaiurai/listenrewards/internal/models"
)

// Routing keys, one per terminal claim status.
const (
	RoutingClaimExecuted = "claim.executed"
	RoutingClaimFailed   = "claim.execution_failed"
	RoutingClaimExpired  = "claim.expired"
)

// ClaimEvent is the message body.
type ClaimEvent struct {
	ClaimID         string    `json:"claim_id"`
	Identity        string    `json:"user_address"`
	Nonce           uint64    `json:"nonce"`
	RewardedSeconds int64     `json:"listening_time"`
	RewardAmount    string    `json:"reward_amount"`
	Status          string    `json:"status"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// NewClaimEvent describes c after it moved to status.
func NewClaimEvent(c *models.Claim, status string, at time.Time) ClaimEvent {
	ev := ClaimEvent{
		ClaimID:         c.ID.String(),
		Identity:        c.Identity,
		Nonce:           c.Nonce,
		RewardedSeconds: c.RewardedSeconds,
		Status:          status,
		OccurredAt:      at.UTC(),
	}
	if c.RewardAmount != nil {
		ev.RewardAmount = c.RewardAmount.String()
	}
	return ev
}

// RoutingKey maps a claim status to its routing key.
func RoutingKey(status string) string {
	switch status {
	case models.ClaimStatusExecuted:
		return RoutingClaimExecuted
	case models.ClaimStatusExpired:
		return RoutingClaimExpired
	default:
		return RoutingClaimFailed
	}
}

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      *slog.Logger
}

// NewPublisher dials url and declares a durable topic exchange.
func NewPublisher(url, exchange string, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &Publisher{conn: conn, channel: ch, exchange: exchange, log: log}, nil
}

func (p *Publisher) PublishClaimEvent(ctx context.Context, ev ClaimEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := RoutingKey(ev.Status)
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ClaimID + ":" + ev.Status,
			Timestamp:    ev.OccurredAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.log.DebugContext(ctx, "published claim event", "routing_key", key, "claim_id", ev.ClaimID)
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
