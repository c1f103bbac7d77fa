package events

import (
	"context"
	"errors"
)

// EventPublisher is the interface for publishing exchange events.
type EventPublisher interface {
	PublishSettled(ctx context.Context, event *ExchangeSettledEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing.
type NoOpPublisher struct{}

// PublishSettled is a no-op.
func (p *NoOpPublisher) PublishSettled(_ context.Context, _ *ExchangeSettledEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *ExchangeSettledEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *ExchangeSettledEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishSettled calls the callback.
func (p *CallbackPublisher) PublishSettled(ctx context.Context, event *ExchangeSettledEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher fans an event out to several publishers.
type MultiPublisher []EventPublisher

// PublishSettled publishes to every publisher and joins their errors.
func (m MultiPublisher) PublishSettled(ctx context.Context, event *ExchangeSettledEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishSettled(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
