package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Stagehand/internal/domain"
)

// MessageType — тип сообщения.
type MessageType string

const (
	MessageTypeRunRequested    MessageType = "run.requested"
	MessageTypeApprovalDecided MessageType = "approval.decided"
)

// Message — конверт всех сообщений Stagehand.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// newMessage создаёт конверт с новым ID.
func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// RunRequest — запрос на запуск pipeline.
type RunRequest struct {
	Pipeline string         `json:"pipeline"`
	Inputs   map[string]any `json:"inputs,omitempty"`

	// IdempotencyKey — повторный запрос с тем же ключом не создаёт новый run.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// RequestedBy — источник запроса ("scheduler", "cli", ...).
	RequestedBy string `json:"requested_by,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует конверт как persistent JSON.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(key), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", key,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishRunRequest публикует запрос на запуск.
// Потребитель: stagehand-server.
func (p *Publisher) PublishRunRequest(ctx context.Context, req RunRequest) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyRequested, newMessage(MessageTypeRunRequested, req))
}

// PublishApprovalDecision публикует решение ревьюера.
// Потребитель: stagehand-server.
func (p *Publisher) PublishApprovalDecision(ctx context.Context, d domain.ApprovalDecision) error {
	return p.Publish(ctx, ExchangeApprovals, RoutingKeyDecided, newMessage(MessageTypeApprovalDecided, d))
}

// PublishEvent публикует событие жизненного цикла с routing key, равным типу события.
func (p *Publisher) PublishEvent(ctx context.Context, ev domain.Event) error {
	return p.Publish(ctx, ExchangeEvents, EventRoutingKey(ev.Type), newMessage(MessageType(ev.Type), ev))
}

// EventRoutingKey возвращает routing key события: "unit.completed" и т.п.
func EventRoutingKey(t domain.EventType) RoutingKey {
	return RoutingKey(t)
}
