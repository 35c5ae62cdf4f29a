package mq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeRuns      Exchange = "stagehand.runs"
	ExchangeApprovals Exchange = "stagehand.approvals"
	ExchangeEvents    Exchange = "stagehand.events"
	ExchangeDLQ       Exchange = "stagehand.dlq"
)

const (
	QueueRunsRequested   Queue = "runs.requested"
	QueueApprovalDecided Queue = "approvals.decided"
	QueueDLQ             Queue = "dlq.stagehand"
)

const (
	RoutingKeyRequested RoutingKey = "requested"
	RoutingKeyDecided   RoutingKey = "decided"
	RoutingKeyDLQ       RoutingKey = "dead"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue    Queue
	key      RoutingKey
	exchange Exchange
}

// topology описывает все объекты брокера.
func topology() ([]exchangeDecl, []queueDecl, []bindingDecl) {
	dlq := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQ),
	}

	exchanges := []exchangeDecl{
		{ExchangeRuns, amqp.ExchangeDirect},
		{ExchangeApprovals, amqp.ExchangeDirect},
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}
	queues := []queueDecl{
		{QueueRunsRequested, dlq},
		{QueueApprovalDecided, dlq},
		{QueueDLQ, nil},
	}
	bindings := []bindingDecl{
		{QueueRunsRequested, RoutingKeyRequested, ExchangeRuns},
		{QueueApprovalDecided, RoutingKeyDecided, ExchangeApprovals},
		{QueueDLQ, RoutingKeyDLQ, ExchangeDLQ},
	}
	return exchanges, queues, bindings
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(conn *Connection) error {
	exchanges, queues, bindings := topology()

	return conn.WithChannel(func(ch *amqp.Channel) error {
		for _, ex := range exchanges {
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}
		for _, q := range queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}
		for _, b := range bindings {
			if err := ch.QueueBind(string(b.queue), string(b.key), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	exchanges, _, bindings := topology()

	var b strings.Builder
	b.WriteString("Stagehand RabbitMQ topology:\n")
	for _, ex := range exchanges {
		fmt.Fprintf(&b, "  %s (%s)\n", ex.name, ex.kind)
		for _, bind := range bindings {
			if bind.exchange == ex.name {
				fmt.Fprintf(&b, "    └── %s [routing: %s]\n", bind.queue, bind.key)
			}
		}
		if ex.kind == amqp.ExchangeTopic {
			b.WriteString("    └── <subscriber queues> [routing: run.*, unit.*, approval.*]\n")
		}
	}
	return b.String()
}
