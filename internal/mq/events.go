package mq

import (
	"context"

	"github.com/shaiso/Stagehand/internal/domain"
)

// EventPublisher — публикация событий (Publisher).
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// EventSink передаёт события оркестратора в exchange stagehand.events.
type EventSink struct {
	pub EventPublisher
}

// NewEventSink создаёт EventSink.
func NewEventSink(pub EventPublisher) *EventSink {
	return &EventSink{pub: pub}
}

// Publish публикует событие.
func (s *EventSink) Publish(ctx context.Context, ev domain.Event) error {
	return s.pub.PublishEvent(ctx, ev)
}
