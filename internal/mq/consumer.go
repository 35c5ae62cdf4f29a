package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDrop помечает ошибку, при которой повторная доставка бессмысленна:
// сообщение уходит в DLQ без requeue.
var ErrDrop = errors.New("drop message")

// Handler — обработчик сообщения. Ошибка приводит к nack.
type Handler func(ctx context.Context, msg *Message) error

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Prefetch — сколько сообщений брокер отдаёт без ack. По умолчанию 1.
	Prefetch int

	Logger *slog.Logger
}

// Consumer читает очередь и вызывает Handler для каждого сообщения.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  Handler
	prefetch int
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Consumer{
		conn:     conn,
		logger:   cfg.Logger.With("queue", string(cfg.Queue)),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: cfg.Prefetch,
	}
}

// Run потребляет сообщения до отмены ctx, переживая переподключения.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		deliveries, err := c.setup()
		if err != nil {
			c.logger.Error("failed to start consuming", "error", err)
		} else {
			c.logger.Info("consumer started")
			err = c.process(ctx, deliveries)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries closed, waiting for reconnect", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

func (c *Consumer) setup() (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := c.conn.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
		d, err := ch.Consume(string(c.queue), "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		deliveries = d
		return nil
	})
	return deliveries, err
}

func (c *Consumer) process(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

// handle обрабатывает одно сообщение и подтверждает его.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	ack, requeue := c.dispatch(ctx, raw.Body)

	var err error
	if ack {
		err = raw.Ack(false)
	} else {
		err = raw.Nack(false, requeue)
	}
	if err != nil {
		c.logger.Warn("failed to acknowledge message", "error", err)
	}
}

// dispatch декодирует тело и вызывает handler.
// Возвращает (ack, requeue).
func (c *Consumer) dispatch(ctx context.Context, body []byte) (bool, bool) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error("malformed message", "error", err, "body", string(body))
		return false, false
	}

	logger := c.logger.With("message_id", msg.ID, "type", msg.Type)
	logger.Debug("received message")

	if err := c.handler(ctx, &msg); err != nil {
		if errors.Is(err, ErrDrop) {
			logger.Warn("message dropped", "error", err)
			return false, false
		}
		logger.Error("handler failed", "error", err)
		return false, true
	}
	return true, false
}

// ParsePayload декодирует Payload конверта в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var out T

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}
