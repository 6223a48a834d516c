package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bullyto/maps/internal/metrics"
)

const maxWebhookQueue = 1000

type delivery struct {
	eventID   string
	eventType string
	body      []byte
	attempts  int
	nextAt    time.Time
}

// Webhook POSTs events to a single endpoint, signing bodies when a secret is set.
// Deliveries are queued in memory and retried with exponential backoff.
type Webhook struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int
	Logger      *slog.Logger
	Now         func() time.Time

	mu    sync.Mutex
	queue []*delivery
}

func NewWebhook(url, secret string, maxAttempts int, logger *slog.Logger) *Webhook {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		URL:         url,
		Secret:      secret,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Logger:      logger,
		Now:         time.Now,
	}
}

func (w *Webhook) Notify(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("webhook encode: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= maxWebhookQueue {
		dropped := w.queue[0]
		w.queue = w.queue[1:]
		w.Logger.Warn("webhook queue full, dropping oldest", "event_id", dropped.eventID)
		metrics.Notifications.WithLabelValues("webhook", dropped.eventType, "dropped").Inc()
	}
	w.queue = append(w.queue, &delivery{eventID: evt.ID, eventType: evt.Type, body: body, nextAt: w.Now()})
	return nil
}

// Pending returns the number of queued deliveries.
func (w *Webhook) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Start runs the delivery loop until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.processOnce(ctx)
			}
		}
	}()
}

func (w *Webhook) due() []*delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.Now()
	var out []*delivery
	kept := w.queue[:0]
	for _, d := range w.queue {
		if !d.nextAt.After(now) && len(out) < 50 {
			out = append(out, d)
			continue
		}
		kept = append(kept, d)
	}
	w.queue = kept
	return out
}

func (w *Webhook) requeue(d *delivery) {
	w.mu.Lock()
	w.queue = append(w.queue, d)
	w.mu.Unlock()
}

func (w *Webhook) processOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, d := range w.due() {
		start := w.Now()
		code, err := w.post(ctx, d)
		latency := float64(w.Now().Sub(start).Milliseconds())
		if err == nil && code >= 200 && code < 300 {
			metrics.Notifications.WithLabelValues("webhook", d.eventType, "delivered").Inc()
			metrics.NotificationLatency.WithLabelValues("webhook", "delivered").Observe(latency)
			continue
		}
		metrics.NotificationLatency.WithLabelValues("webhook", "failed").Observe(latency)
		d.attempts++
		if d.attempts >= w.MaxAttempts {
			metrics.Notifications.WithLabelValues("webhook", d.eventType, "failed").Inc()
			w.Logger.Error("webhook delivery abandoned", "event_id", d.eventID, "attempts", d.attempts, "code", code, "error", err)
			continue
		}
		d.nextAt = w.Now().Add(nextBackoff(d.attempts))
		w.requeue(d)
	}
}

func (w *Webhook) post(ctx context.Context, d *delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(d.body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.eventType)
	req.Header.Set("X-Event-Id", d.eventID)
	req.Header.Set("X-Attempt", strconv.Itoa(d.attempts+1))
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, SignHMAC(w.Secret, d.body))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
