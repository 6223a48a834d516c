package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/bullyto/maps/internal/notify"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	sid := "s1"
	ch := b.Subscribe(sid)

	evt := SSEEvent{Type: "session.status", Data: map[string]any{"status": "active"}}
	b.Publish(sid, evt)
	b.Publish("other", SSEEvent{Type: "session.status"})

	select {
	case got := <-ch:
		if got.Type != evt.Type || got.Data["status"] != "active" {
			t.Fatalf("bad event: %+v", got)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe(sid, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// second unsubscribe is a no-op rather than a double close
	b.Unsubscribe(sid, ch)
	if n := b.subscribers(sid); n != 0 {
		t.Fatalf("subscribers left: %d", n)
	}
}

func TestBrokerPublishDoesNotBlock(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("s1")
	defer b.Unsubscribe("s1", ch)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("s1", SSEEvent{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBrokerNotifierMergesData(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("s9")
	defer b.Unsubscribe("s9", ch)
	n := brokerNotifier(b)
	err := n.Notify(context.Background(), notify.Event{
		Type: notify.EventArrival, SessionID: "s9", TsMs: 42,
		Data: map[string]any{"distanceM": 120.5},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := <-ch
	if got.Type != notify.EventArrival || got.Data["sessionId"] != "s9" || got.Data["distanceM"] != 120.5 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestRedisEventCodec(t *testing.T) {
	raw, _ := json.Marshal(SSEEvent{Type: "session.status", Data: map[string]any{"status": "expired"}})
	evt, err := decodeEvent(string(raw))
	if err != nil || evt.Type != "session.status" || evt.Data["status"] != "expired" {
		t.Fatalf("decode: %v %+v", err, evt)
	}
	if chanName("abc") != "session:abc" {
		t.Fatalf("channel name: %s", chanName("abc"))
	}
}

func TestRedisPublishIsQueued(t *testing.T) {
	b := newRedisBroker(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), quietLogger())
	release := make(chan struct{})
	sent := make(chan string, 512)
	b.send = func(ctx context.Context, channel string, payload []byte) error {
		<-release
		evt, err := decodeEvent(string(payload))
		if err != nil {
			return err
		}
		sent <- channel + " " + evt.Type
		return nil
	}
	b.start()
	defer b.Close() //nolint:errcheck

	done := make(chan struct{})
	go func() {
		b.Publish("s1", SSEEvent{Type: notify.EventStatus})
		b.Publish("s1", SSEEvent{Type: notify.EventArrival})
		// more than the queue holds while the sender is stuck
		for i := 0; i < 300; i++ {
			b.Publish("s2", SSEEvent{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on redis")
	}

	close(release)
	for _, want := range []string{"session:s1 " + notify.EventStatus, "session:s1 " + notify.EventArrival} {
		select {
		case got := <-sent:
			if got != want {
				t.Fatalf("want %q, got %q", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}
