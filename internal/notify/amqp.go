package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bullyto/maps/internal/metrics"
)

// DefaultExchange is the topic exchange session events are published to, keyed by event type.
const DefaultExchange = "courier.events"

var errQueueFull = errors.New("amqp: outbound queue full")

// AMQP publishes events to a RabbitMQ topic exchange with publisher confirms.
// Notify only enqueues; a background loop owns the connection and reconnects with backoff.
type AMQP struct {
	url      string
	exchange string
	logger   *slog.Logger
	out      chan Event

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation

	// publish is swapped in tests
	publish func(ctx context.Context, routingKey string, body []byte) error
}

func NewAMQP(url, exchange string, logger *slog.Logger) *AMQP {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AMQP{url: url, exchange: exchange, logger: logger, out: make(chan Event, 256)}
	a.publish = a.publishConfirmed
	return a
}

func (a *AMQP) Notify(ctx context.Context, evt Event) error {
	select {
	case a.out <- evt:
		return nil
	default:
		metrics.Notifications.WithLabelValues("amqp", evt.Type, "dropped").Inc()
		return errQueueFull
	}
}

// Start runs the publish loop until ctx is cancelled, then closes the connection.
func (a *AMQP) Start(ctx context.Context) {
	go func() {
		defer a.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-a.out:
				a.deliver(ctx, evt)
			}
		}
	}()
}

func (a *AMQP) deliver(ctx context.Context, evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		a.logger.Error("amqp encode failed", "event_id", evt.ID, "error", err)
		return
	}
	backoff := time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.publish(pctx, evt.Type, body)
		cancel()
		if err == nil {
			metrics.Notifications.WithLabelValues("amqp", evt.Type, "delivered").Inc()
			return
		}
		a.logger.Warn("amqp publish failed", "event_id", evt.ID, "attempt", attempt, "error", err)
		a.reset()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	metrics.Notifications.WithLabelValues("amqp", evt.Type, "failed").Inc()
}

// connect dials and declares the exchange if no open channel exists.
func (a *AMQP) connect() (*amqp.Channel, chan amqp.Confirmation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil && !a.ch.IsClosed() && a.conn != nil && !a.conn.IsClosed() {
		return a.ch, a.confirms, nil
	}
	conn, err := amqp.DialConfig(a.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: failed to declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: failed to enable confirms: %w", err)
	}
	a.conn, a.ch = conn, ch
	a.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	a.logger.Info("rabbitmq connected", "exchange", a.exchange)
	return ch, a.confirms, nil
}

func (a *AMQP) publishConfirmed(ctx context.Context, routingKey string, body []byte) error {
	ch, confirms, err := a.connect()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, a.exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Body:         body,
	}); err != nil {
		return err
	}
	select {
	case c, ok := <-confirms:
		if !ok {
			return errors.New("rabbitmq: confirm stream closed")
		}
		if !c.Ack {
			return errors.New("rabbitmq: publish not acknowledged")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reset drops the current connection so the next publish redials.
func (a *AMQP) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *AMQP) Close() { a.reset() }
