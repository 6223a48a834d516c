package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bullyto/maps/internal/model"
	"github.com/bullyto/maps/internal/track"
)

// SessionAPI is the subset of the service a TrackingClient polls.
type SessionAPI interface {
	Status(ctx context.Context, sessionID string) (model.StatusView, error)
	CourierPosition(ctx context.Context, sessionID string) (model.CourierView, error)
	PushPosition(ctx context.Context, sessionID string, upd model.PositionUpdate) error
}

type Config struct {
	StatusEvery  time.Duration `yaml:"status_every"`
	CourierEvery time.Duration `yaml:"courier_every"`
	SelfEvery    time.Duration `yaml:"self_every"`
	FrameEvery   time.Duration `yaml:"frame_every"`
	// FailureThreshold is how many consecutive courier-position failures during an
	// active session end the watch locally.
	FailureThreshold int                  `yaml:"failure_threshold"`
	Buffer           track.Config         `yaml:"buffer"`
	Renderer         track.RendererConfig `yaml:"renderer"`
}

func DefaultConfig() Config {
	return Config{
		StatusEvery:      3 * time.Second,
		CourierEvery:     3 * time.Second,
		SelfEvery:        8 * time.Second,
		FrameEvery:       16 * time.Millisecond,
		FailureThreshold: 10,
		Buffer:           track.DefaultConfig(),
		Renderer:         track.DefaultRendererConfig(),
	}
}

// ErrRunning is returned by Start when a watch is already in progress.
var ErrRunning = errors.New("client: already tracking")

// TrackingClient owns one courier-watch: its sample buffer, its render loop and the
// status, courier and self-position timers. Replies are tagged with the generation
// they were issued under and dropped once Stop or a new Start has moved on.
type TrackingClient struct {
	api     SessionAPI
	surface Surface
	locator Locator
	cfg     Config
	now     func() time.Time
	log     *slog.Logger

	mu           sync.Mutex
	gen          uint64
	sessionID    string
	renderer     *track.Renderer
	status       model.SessionStatus
	statusSeq    uint64
	appliedSeq   uint64
	arrivalFired bool
	failures     int
	self         *model.GeoPoint
	cancel       context.CancelFunc
	done         chan struct{}
	wg           sync.WaitGroup

	surfaceMu sync.Mutex
}

type Option func(*TrackingClient)

func WithClock(now func() time.Time) Option { return func(c *TrackingClient) { c.now = now } }

func WithLogger(l *slog.Logger) Option { return func(c *TrackingClient) { c.log = l } }

func New(api SessionAPI, surface Surface, locator Locator, cfg Config, opts ...Option) *TrackingClient {
	def := DefaultConfig()
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = def.StatusEvery
	}
	if cfg.CourierEvery <= 0 {
		cfg.CourierEvery = def.CourierEvery
	}
	if cfg.SelfEvery <= 0 {
		cfg.SelfEvery = def.SelfEvery
	}
	if cfg.FrameEvery <= 0 {
		cfg.FrameEvery = def.FrameEvery
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Renderer.PollIntervalMs <= 0 {
		cfg.Renderer.PollIntervalMs = cfg.CourierEvery.Milliseconds()
	}
	c := &TrackingClient{
		api:     api,
		surface: surface,
		locator: locator,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.renderer = track.NewRenderer(track.NewBuffer(cfg.Buffer), cfg.Renderer)
	return c
}

func (c *TrackingClient) nowMs() int64 { return c.now().UnixMilli() }

// Start begins watching sessionID. The loops run until Stop, until ctx is cancelled,
// or until the session reaches a terminal status.
func (c *TrackingClient) Start(ctx context.Context, sessionID string) error {
	ctx, gen, err := c.begin(ctx, sessionID)
	if err != nil {
		return err
	}
	c.wg.Add(4)
	go c.every(ctx, c.cfg.StatusEvery, func(ctx context.Context) { c.pollStatus(ctx, gen) })
	go c.every(ctx, c.cfg.CourierEvery, func(ctx context.Context) { c.pollCourier(ctx, gen) })
	go c.every(ctx, c.cfg.SelfEvery, func(ctx context.Context) { c.pushSelf(ctx, gen) })
	go c.every(ctx, c.cfg.FrameEvery, func(context.Context) { c.frame(gen) })
	return nil
}

// begin opens a new generation for sessionID without starting any loop.
func (c *TrackingClient) begin(ctx context.Context, sessionID string) (context.Context, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, 0, ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.gen++
	c.sessionID = sessionID
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status = model.StatusPending
	c.arrivalFired = false
	c.failures = 0
	c.self = nil
	c.renderer.Reset()
	return ctx, c.gen, nil
}

// every runs fn immediately and then on each tick until ctx ends.
func (c *TrackingClient) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	defer c.wg.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Stop halts the render loop and the timers, waits for them to exit and clears the buffer.
// In-flight replies are discarded. Stop is idempotent. It must not be called from a
// Surface callback, since callbacks run on the loops Stop waits for; use Cancel there.
func (c *TrackingClient) Stop() {
	c.Cancel()
	c.wg.Wait()
}

// Cancel ends the watch like Stop but returns without waiting for the loops to exit.
// Replies still in flight are discarded. It is safe to call from a Surface callback.
func (c *TrackingClient) Cancel() {
	c.mu.Lock()
	c.endLocked()
	c.mu.Unlock()
}

// endLocked retires the current generation. Callers hold c.mu.
func (c *TrackingClient) endLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	c.gen++
	c.sessionID = ""
	c.renderer.Reset()
	close(c.done)
}

// Done is closed when the current watch ends for any reason.
func (c *TrackingClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Status returns the last applied session status.
func (c *TrackingClient) Status() model.SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *TrackingClient) current(gen uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, gen == c.gen && c.cancel != nil
}

func (c *TrackingClient) draw(fn func(s Surface)) {
	if c.surface == nil {
		return
	}
	c.surfaceMu.Lock()
	defer c.surfaceMu.Unlock()
	fn(c.surface)
}

func (c *TrackingClient) pollStatus(ctx context.Context, gen uint64) {
	id, ok := c.current(gen)
	if !ok {
		return
	}
	c.mu.Lock()
	c.statusSeq++
	seq := c.statusSeq
	c.mu.Unlock()

	v, err := c.api.Status(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			c.mu.Lock()
			if gen == c.gen {
				c.status = model.StatusExpired
				c.endLocked()
			}
			c.mu.Unlock()
			c.draw(func(s Surface) { s.StatusChanged(model.StatusView{SessionID: id, Status: model.StatusExpired}) })
			return
		}
		c.log.Debug("status poll failed", "session_id", id, "error", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || seq <= c.appliedSeq {
		c.mu.Unlock()
		return
	}
	c.appliedSeq = seq
	changed := v.Status != c.status
	c.status = v.Status
	fireArrival := v.ArrivalNotified && !c.arrivalFired
	if fireArrival {
		c.arrivalFired = true
	}
	if v.Courier != nil && v.Status == model.StatusActive {
		c.addSampleLocked(*v.Courier)
	}
	terminal := v.Status.Terminal()
	if terminal {
		c.endLocked()
	}
	c.mu.Unlock()

	if changed {
		c.draw(func(s Surface) { s.StatusChanged(v) })
	}
	if fireArrival {
		c.draw(func(s Surface) { s.Arrival(id) })
	}
}

func (c *TrackingClient) pollCourier(ctx context.Context, gen uint64) {
	id, ok := c.current(gen)
	if !ok {
		return
	}
	c.mu.Lock()
	active := c.status == model.StatusActive
	c.mu.Unlock()
	if !active {
		return
	}

	v, err := c.api.CourierPosition(ctx, id)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if err != nil {
		if IsNotActive(err) || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.failures++
		n := c.failures
		forced := n >= c.cfg.FailureThreshold
		if forced {
			c.status = model.StatusExpired
			c.endLocked()
		}
		c.mu.Unlock()
		c.log.Warn("courier position fetch failed", "session_id", id, "consecutive", n, "error", err)
		if forced {
			c.draw(func(s Surface) { s.StatusChanged(model.StatusView{SessionID: id, Status: model.StatusExpired}) })
		}
		return
	}
	c.failures = 0
	if v.Courier != nil {
		c.addSampleLocked(*v.Courier)
	}
	c.mu.Unlock()
}

// addSampleLocked offers a courier sample to the buffer. Old or duplicate samples are
// rejected by the buffer itself. Callers hold c.mu.
func (c *TrackingClient) addSampleLocked(smp model.CourierSample) {
	err := c.renderer.Buffer().Add(smp.Lat, smp.Lng, smp.ServerTimestampMs, c.nowMs())
	if err != nil && !errors.Is(err, track.ErrOutOfOrder) {
		c.log.Debug("courier sample rejected", "ts", smp.ServerTimestampMs, "error", err)
	}
}

func (c *TrackingClient) pushSelf(ctx context.Context, gen uint64) {
	id, ok := c.current(gen)
	if !ok || c.locator == nil {
		return
	}
	fix, err := c.locator.Locate(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.draw(func(s Surface) { s.Hint(Hint(err)) })
		}
		return
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.self = &model.GeoPoint{Lat: fix.Lat, Lng: fix.Lng}
	c.mu.Unlock()

	upd := model.PositionUpdate{Lat: fix.Lat, Lng: fix.Lng, TsMs: fix.TsMs}
	if fix.Accuracy > 0 {
		acc := fix.Accuracy
		upd.Accuracy = &acc
	}
	if upd.TsMs <= 0 {
		upd.TsMs = c.nowMs()
	}
	if err := c.api.PushPosition(ctx, id, upd); err != nil && ctx.Err() == nil {
		c.log.Debug("self position push failed", "session_id", id, "error", err)
	}
}

func (c *TrackingClient) frame(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.cancel == nil {
		c.mu.Unlock()
		return
	}
	f, ok := c.renderer.Step(c.nowMs())
	var self *model.GeoPoint
	if c.self != nil {
		p := *c.self
		self = &p
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.draw(func(s Surface) {
		s.SetMarker(f.Position)
		if f.Fit {
			s.FitBounds(f.Position, self)
		}
	})
}
