// Package notify fans session events out to best-effort sinks (webhooks, AMQP, the SSE broker).
package notify

import (
	"context"
	"errors"
)

const (
	EventArrival = "session.arrival"
	EventStatus  = "session.status"
)

type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	SessionID   string         `json:"sessionId"`
	CourierID   string         `json:"courierId"`
	RecipientID string         `json:"recipientId,omitempty"`
	TsMs        int64          `json:"ts"`
	Data        map[string]any `json:"data,omitempty"`
}

// Notifier delivers an event. Implementations must not block the caller on network I/O.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, evt Event) error

func (f Func) Notify(ctx context.Context, evt Event) error { return f(ctx, evt) }

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
