package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/bullyto/maps/internal/metrics"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so every API replica sees every event.
// Publish only enqueues; a background loop sends to Redis.
type RedisBroker struct {
	rdb *redis.Client
	log *slog.Logger
	out chan redisMessage

	mu  sync.Mutex
	pss map[chan SSEEvent]*redis.PubSub

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// send is swapped in tests
	send func(ctx context.Context, channel string, payload []byte) error
}

type redisMessage struct {
	channel string
	evtType string
	payload []byte
}

func NewRedisBroker(url string, logger *slog.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	b := newRedisBroker(redis.NewClient(opt), logger)
	b.start()
	return b, nil
}

func newRedisBroker(rdb *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &RedisBroker{
		rdb:     rdb,
		log:     logger,
		out:     make(chan redisMessage, 256),
		pss:     map[chan SSEEvent]*redis.PubSub{},
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.send = func(ctx context.Context, channel string, payload []byte) error {
		return b.rdb.Publish(ctx, channel, payload).Err()
	}
	return b
}

func (b *RedisBroker) start() {
	go func() {
		defer close(b.stopped)
		for {
			select {
			case <-b.done:
				return
			case m := <-b.out:
				b.deliver(m)
			}
		}
	}()
}

func (b *RedisBroker) deliver(m redisMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.send(ctx, m.channel, m.payload); err != nil {
		metrics.Notifications.WithLabelValues("redis", m.evtType, "failed").Inc()
		b.log.Warn("redis publish failed", "channel", m.channel, "error", err)
		return
	}
	metrics.Notifications.WithLabelValues("redis", m.evtType, "delivered").Inc()
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Subscribe(sessionID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(sessionID))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe failed", "session_id", sessionID, "error", err)
	}
	b.mu.Lock()
	b.pss[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			evt, err := decodeEvent(msg.Payload)
			if err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Pub/Sub; the reader goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(sessionID string, ch chan SSEEvent) {
	b.mu.Lock()
	ps, ok := b.pss[ch]
	delete(b.pss, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

// Publish never blocks; events are dropped when the outbound queue is full.
func (b *RedisBroker) Publish(sessionID string, evt SSEEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case b.out <- redisMessage{channel: chanName(sessionID), evtType: evt.Type, payload: data}:
	default:
		metrics.Notifications.WithLabelValues("redis", evt.Type, "dropped").Inc()
		b.log.Warn("redis publish queue full", "session_id", sessionID, "type", evt.Type)
	}
}

// Close stops the publish loop and closes the client. Queued events are discarded.
func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		select {
		case <-b.stopped:
		case <-time.After(3 * time.Second):
		}
		err = b.rdb.Close()
	})
	return err
}

func chanName(sessionID string) string { return "session:" + sessionID }

func decodeEvent(payload string) (SSEEvent, error) {
	var evt SSEEvent
	err := json.Unmarshal([]byte(payload), &evt)
	return evt, err
}
