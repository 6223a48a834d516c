package api

import (
	"context"
	"sync"

	"github.com/bullyto/maps/internal/notify"
)

type SSEEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EventBroker fans session events out to stream subscribers, keyed by session id.
type EventBroker interface {
	Subscribe(sessionID string) chan SSEEvent
	Unsubscribe(sessionID string, ch chan SSEEvent)
	Publish(sessionID string, evt SSEEvent)
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // sessionId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(sessionID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(sessionID string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[sessionID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, sessionID)
	}
	close(ch)
}

// Publish never blocks; slow subscribers miss events.
func (b *Broker) Publish(sessionID string, evt SSEEvent) {
	b.mu.Lock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Broker) subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// brokerNotifier forwards coordinator events to stream subscribers of the session.
func brokerNotifier(b EventBroker) notify.Notifier {
	return notify.Func(func(_ context.Context, evt notify.Event) error {
		data := map[string]any{"sessionId": evt.SessionID, "ts": evt.TsMs}
		for k, v := range evt.Data {
			data[k] = v
		}
		b.Publish(evt.SessionID, SSEEvent{Type: evt.Type, Data: data})
		return nil
	})
}
