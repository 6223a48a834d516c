package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/bullyto/maps/internal/auth"
	"github.com/bullyto/maps/internal/config"
	"github.com/bullyto/maps/internal/metrics"
	"github.com/bullyto/maps/internal/notify"
	"github.com/bullyto/maps/internal/session"
	"github.com/bullyto/maps/internal/store"
)

type Server struct {
	Store  store.Store
	Coord  *session.Coordinator
	Broker EventBroker
	Auth   *auth.Verifier
	Config config.Config
	Log    *slog.Logger

	limiter  *rateLimiter
	cooldown *rateLimiter
	webhook  *notify.Webhook
	amqp     *notify.AMQP
	now      func() time.Time
}

type options struct {
	store  store.Store
	broker EventBroker
	now    func() time.Time
	logger *slog.Logger
	sinks  []notify.Notifier
}

type Option func(*options)

// WithStore skips store selection from DATABASE_URL.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

func WithBroker(b EventBroker) Option { return func(o *options) { o.broker = b } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithNotifier adds an extra event sink next to the configured ones.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.sinks = append(o.sinks, n) }
}

// NewServer wires the store, broker, notifiers and coordinator from cfg.
// Without a DATABASE_URL the in-memory store is used; without REDIS_URL the in-process broker.
func NewServer(cfg config.Config, opts ...Option) (*Server, error) {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger

	st := o.store
	if st == nil {
		var err error
		if st, err = openStore(cfg, log); err != nil {
			return nil, err
		}
	}

	broker := o.broker
	if broker == nil {
		broker = NewBroker()
		if cfg.RedisURL != "" {
			rb, err := NewRedisBroker(cfg.RedisURL, log)
			if err != nil {
				log.Warn("redis broker unavailable, using in-process broker", "error", err)
			} else {
				broker = rb
			}
		}
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Store:   st,
		Broker:  broker,
		Auth:    verifier,
		Config:  cfg,
		Log:     log,
		limiter: newRateLimiter(cfg.Rate.RPS, cfg.Rate.Burst, o.now),
		now:     o.now,
	}

	if cfg.Rate.RequestCooldown > 0 {
		s.cooldown = newRateLimiter(float64(rate.Every(cfg.Rate.RequestCooldown)), 1, o.now)
	}

	sinks := notify.Multi{brokerNotifier(broker)}
	if cfg.Webhook.URL != "" {
		s.webhook = notify.NewWebhook(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.MaxAttempts, log)
		sinks = append(sinks, s.webhook)
	}
	if cfg.AMQPURL != "" {
		s.amqp = notify.NewAMQP(cfg.AMQPURL, "", log)
		sinks = append(sinks, s.amqp)
	}
	sinks = append(sinks, o.sinks...)

	s.Coord = session.New(st, cfg.Session,
		session.WithClock(o.now),
		session.WithLogger(log),
		session.WithNotifier(sinks),
		session.WithIDGenerator(func() string { return uuid.NewString() }),
	)
	return s, nil
}

func openStore(cfg config.Config, log *slog.Logger) (store.Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.DBMigrate {
		if err := pg.Migrate(); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg, nil
}

// Start runs the notification delivery workers until ctx is done.
func (s *Server) Start(ctx context.Context) {
	if s.webhook != nil {
		s.webhook.Start(ctx)
	}
	if s.amqp != nil {
		s.amqp.Start(ctx)
	}
}

func (s *Server) Close() error {
	var errs []error
	if s.amqp != nil {
		s.amqp.Close()
	}
	if c, ok := s.Broker.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.Store.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Handler returns the routed mux wrapped in logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", s.requireRole(auth.RoleRecipient, s.RequestTrackingHandler))
	mux.HandleFunc("GET /v1/sessions/{id}", s.StatusHandler)
	mux.HandleFunc("POST /v1/sessions/{id}/decision", s.requireRole(auth.RoleCourier, s.DecisionHandler))
	mux.HandleFunc("POST /v1/sessions/{id}/position", s.requireRole(auth.RoleRecipient, s.rateLimited(s.RecipientPositionHandler)))
	mux.HandleFunc("GET /v1/sessions/{id}/courier", s.requireRole(auth.RoleRecipient, s.CourierPositionHandler))
	mux.HandleFunc("POST /v1/sessions/{id}/label", s.requireRole(auth.RoleCourier, s.LabelHandler))
	mux.HandleFunc("GET /v1/sessions/{id}/events/stream", s.EventStreamHandler)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.WSHandler)

	mux.HandleFunc("POST /v1/courier/positions", s.requireRole(auth.RoleCourier, s.rateLimited(s.CourierPushHandler)))
	mux.HandleFunc("GET /v1/courier/dashboard", s.requireRole(auth.RoleCourier, s.DashboardHandler))

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /debug/config", s.DebugJSON)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return s.logMiddleware(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	// upgraded connections count as 101
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		} else if _, p, ok := strings.Cut(path, " "); ok {
			path = p
		}
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
		s.Log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", dur.Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}
