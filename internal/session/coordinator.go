// Package session implements the tracking-session state machine: request, accept, deny,
// extend and stop transitions, lazy expiry, courier position ingest and the arrival geofence.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bullyto/maps/internal/geo"
	"github.com/bullyto/maps/internal/metrics"
	"github.com/bullyto/maps/internal/model"
	"github.com/bullyto/maps/internal/notify"
	"github.com/bullyto/maps/internal/store"
)

type Config struct {
	MaxDurationMin     int     `yaml:"max_duration_min" validate:"gte=1"`
	DefaultDurationMin int     `yaml:"default_duration_min" validate:"gte=1"`
	ArrivalRadiusM     float64 `yaml:"arrival_radius_m" validate:"gt=0"`
	DashboardLimit     int     `yaml:"dashboard_limit" validate:"gte=1,lte=500"`
	LabelMaxLen        int     `yaml:"label_max_len" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		MaxDurationMin:     25,
		DefaultDurationMin: 25,
		ArrivalRadiusM:     500,
		DashboardLimit:     60,
		LabelMaxLen:        120,
	}
}

// Coordinator owns every session mutation. Each mutation is a single-row conditional
// update through store.UpdateSession, so sessions never need cross-row locking.
type Coordinator struct {
	store  store.Store
	cfg    Config
	now    func() time.Time
	log    *slog.Logger
	notify notify.Notifier
	newID  func() string
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithNotifier(n notify.Notifier) Option { return func(c *Coordinator) { c.notify = n } }

func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

func New(st store.Store, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxDurationMin <= 0 {
		cfg.MaxDurationMin = def.MaxDurationMin
	}
	if cfg.DefaultDurationMin <= 0 {
		cfg.DefaultDurationMin = def.DefaultDurationMin
	}
	if cfg.ArrivalRadiusM <= 0 {
		cfg.ArrivalRadiusM = def.ArrivalRadiusM
	}
	if cfg.DashboardLimit <= 0 {
		cfg.DashboardLimit = def.DashboardLimit
	}
	if cfg.LabelMaxLen <= 0 {
		cfg.LabelMaxLen = def.LabelMaxLen
	}
	c := &Coordinator{
		store:  st,
		cfg:    cfg,
		now:    time.Now,
		log:    slog.Default(),
		notify: notify.Nop{},
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) nowMs() int64 { return model.MillisOf(c.now()) }

// expiryFor is a pure function of now and the requested duration so retried
// accepts and extends land on the same instant. A nil duration means the default;
// any supplied value is clamped to [1, MaxDurationMin].
func (c *Coordinator) expiryFor(nowMs int64, minutes *int) int64 {
	m := c.cfg.DefaultDurationMin
	if minutes != nil {
		m = max(*minutes, 1)
	}
	m = min(m, c.cfg.MaxDurationMin)
	return nowMs + int64(m)*60000
}

// applyExpiry moves an overdue active session to expired. It reports whether s changed.
func applyExpiry(s *model.TrackingSession, nowMs int64) bool {
	if !s.ExpiredAt(nowMs) {
		return false
	}
	ended := *s.ExpiresAtMs
	s.Status = model.StatusExpired
	s.ExpiresAtMs = nil
	s.EndedAtMs = &ended
	return true
}

func (c *Coordinator) cleanLabel(label string) string {
	label = strings.TrimSpace(label)
	if utf8.RuneCountInString(label) > c.cfg.LabelMaxLen {
		label = string([]rune(label)[:c.cfg.LabelMaxLen])
	}
	return label
}

// storeErr maps store failures onto the session error taxonomy.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrSessionNotFound
	case KindOf(err) != KindInternal:
		return err
	}
	return transient(op, err)
}

// RequestTracking opens a pending session anchored at the recipient's current position.
// An empty courierID targets the courier that most recently reported a position.
func (c *Coordinator) RequestTracking(ctx context.Context, recipientID, courierID, label string, lat, lng float64) (model.TrackingSession, error) {
	if !geo.ValidLatLng(lat, lng) {
		return model.TrackingSession{}, ErrInvalidPosition
	}
	if strings.TrimSpace(recipientID) == "" {
		return model.TrackingSession{}, ErrInvalidID
	}
	if courierID == "" {
		id, err := c.store.LastActiveCourier(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return model.TrackingSession{}, ErrInvalidID
		}
		if err != nil {
			return model.TrackingSession{}, transient("last active courier", err)
		}
		courierID = id
	}
	now := c.nowMs()
	rLat, rLng, rTs := lat, lng, now
	s := model.TrackingSession{
		SessionID:     c.newID(),
		CourierID:     courierID,
		RecipientID:   recipientID,
		Status:        model.StatusPending,
		RecipientLat:  &rLat,
		RecipientLng:  &rLng,
		RecipientTsMs: &rTs,
		AnchorLat:     lat,
		AnchorLng:     lng,
		Label:         c.cleanLabel(label),
		CreatedAtMs:   now,
	}
	if err := c.store.CreateSession(ctx, s); err != nil {
		return model.TrackingSession{}, transient("create session", err)
	}
	metrics.SessionTransitions.WithLabelValues("request", string(s.Status)).Inc()
	c.log.Info("tracking requested", "session_id", s.SessionID, "courier_id", courierID)
	c.emit(ctx, notify.EventStatus, s, map[string]any{"status": s.Status})
	return s, nil
}

// Decide applies a courier decision. minutes only matters for accept and extend. Sessions owned by another courier are reported as not found.
func (c *Coordinator) Decide(ctx context.Context, sessionID, courierID string, action model.Action, minutes *int) (model.TrackingSession, error) {
	if !action.Valid() {
		return model.TrackingSession{}, ErrInvalidAction
	}
	if sessionID == "" || courierID == "" {
		return model.TrackingSession{}, ErrInvalidID
	}
	var before model.SessionStatus
	changed, lapsed := false, false
	out, err := c.store.UpdateSession(ctx, sessionID, func(s *model.TrackingSession) error {
		if s.CourierID != courierID {
			return ErrSessionNotFound
		}
		now := c.nowMs()
		before = s.Status
		expired := applyExpiry(s, now)
		switch action {
		case model.ActionAccept:
			switch s.Status {
			case model.StatusPending:
				s.ArrivalNotified = false
			case model.StatusActive:
			default:
				return ErrInvalidTransition
			}
			exp := c.expiryFor(now, minutes)
			s.Status = model.StatusActive
			s.ExpiresAtMs = &exp
			s.EndedAtMs = nil
		case model.ActionExtend:
			if s.Status != model.StatusActive {
				return ErrInvalidTransition
			}
			exp := c.expiryFor(now, minutes)
			s.ExpiresAtMs = &exp
		case model.ActionDeny:
			switch s.Status {
			case model.StatusPending:
				s.Status = model.StatusDenied
				s.EndedAtMs = &now
			case model.StatusDenied:
				return store.ErrNoChange
			default:
				return ErrInvalidTransition
			}
		case model.ActionStop:
			if s.Status.Terminal() {
				if expired {
					lapsed = true
					return nil
				}
				return store.ErrNoChange
			}
			s.Status = model.StatusExpired
			s.ExpiresAtMs = nil
			s.EndedAtMs = &now
		}
		changed = true
		return nil
	})
	if err != nil {
		return model.TrackingSession{}, storeErr("decide", err)
	}
	if changed {
		metrics.SessionTransitions.WithLabelValues(string(action), string(out.Status)).Inc()
		c.log.Info("session decided", "session_id", sessionID, "action", action, "from", before, "to", out.Status)
		c.emit(ctx, notify.EventStatus, out, map[string]any{
			"status":      out.Status,
			"action":      action,
			"expiresAtMs": out.ExpiresAtMs,
		})
	} else if lapsed {
		metrics.SessionTransitions.WithLabelValues("expire", string(out.Status)).Inc()
		c.emit(ctx, notify.EventStatus, out, map[string]any{"status": out.Status})
	}
	return out, nil
}

// load reads a session and persists lazy expiry when it is overdue.
func (c *Coordinator) load(ctx context.Context, sessionID string) (model.TrackingSession, error) {
	if sessionID == "" {
		return model.TrackingSession{}, ErrInvalidID
	}
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.TrackingSession{}, storeErr("get session", err)
	}
	if !s.ExpiredAt(c.nowMs()) {
		return s, nil
	}
	expired := false
	s, err = c.store.UpdateSession(ctx, sessionID, func(cur *model.TrackingSession) error {
		if !applyExpiry(cur, c.nowMs()) {
			return store.ErrNoChange
		}
		expired = true
		return nil
	})
	if err != nil {
		return model.TrackingSession{}, storeErr("expire session", err)
	}
	if expired {
		metrics.SessionTransitions.WithLabelValues("expire", string(s.Status)).Inc()
		c.emit(ctx, notify.EventStatus, s, map[string]any{"status": s.Status})
	}
	return s, nil
}

// latest returns the courier's newest sample, or nil when none was ever recorded.
func (c *Coordinator) latest(ctx context.Context, courierID string) (*model.CourierSample, error) {
	smp, err := c.store.LatestSample(ctx, courierID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("latest sample", err)
	}
	return &smp, nil
}

// GetStatus is the recipient status poll. The session id acts as the capability.
func (c *Coordinator) GetStatus(ctx context.Context, sessionID string) (model.StatusView, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return model.StatusView{}, err
	}
	v := model.StatusView{
		SessionID:       s.SessionID,
		Status:          s.Status,
		ExpiresAtMs:     s.ExpiresAtMs,
		RemainingMs:     s.RemainingMs(c.nowMs()),
		ArrivalNotified: s.ArrivalNotified,
		Label:           s.Label,
	}
	if s.Status == model.StatusActive {
		if v.Courier, err = c.latest(ctx, s.CourierID); err != nil {
			return model.StatusView{}, err
		}
	}
	return v, nil
}

// CourierPosition is the get-courier-position read path; only active sessions reveal a position.
func (c *Coordinator) CourierPosition(ctx context.Context, sessionID, recipientID string) (model.CourierView, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return model.CourierView{}, err
	}
	if recipientID != "" && s.RecipientID != recipientID {
		return model.CourierView{}, ErrSessionNotFound
	}
	if s.Status != model.StatusActive {
		return model.CourierView{}, ErrNotActive
	}
	smp, err := c.latest(ctx, s.CourierID)
	if err != nil {
		return model.CourierView{}, err
	}
	return model.CourierView{SessionID: s.SessionID, Courier: smp, RemainingMs: s.RemainingMs(c.nowMs())}, nil
}

// RecordRecipientPosition stores the recipient's latest position. It never changes status;
// positions older than the stored one and writes to terminal sessions are ignored.
func (c *Coordinator) RecordRecipientPosition(ctx context.Context, sessionID, recipientID string, lat, lng float64, tsMs int64) (model.TrackingSession, error) {
	if !geo.ValidLatLng(lat, lng) {
		return model.TrackingSession{}, ErrInvalidPosition
	}
	if sessionID == "" || recipientID == "" {
		return model.TrackingSession{}, ErrInvalidID
	}
	out, err := c.store.UpdateSession(ctx, sessionID, func(s *model.TrackingSession) error {
		if s.RecipientID != recipientID {
			return ErrSessionNotFound
		}
		now := c.nowMs()
		expired := applyExpiry(s, now)
		ts := tsMs
		if ts <= 0 {
			ts = now
		}
		if s.Status.Terminal() || (s.RecipientTsMs != nil && ts <= *s.RecipientTsMs) {
			if expired {
				return nil
			}
			return store.ErrNoChange
		}
		s.RecipientLat, s.RecipientLng, s.RecipientTsMs = &lat, &lng, &ts
		return nil
	})
	if err != nil {
		return model.TrackingSession{}, storeErr("record recipient position", err)
	}
	return out, nil
}

// SetLabel updates the courier-facing address label of a session.
func (c *Coordinator) SetLabel(ctx context.Context, sessionID, courierID, label string) (model.TrackingSession, error) {
	if sessionID == "" || courierID == "" {
		return model.TrackingSession{}, ErrInvalidID
	}
	label = c.cleanLabel(label)
	out, err := c.store.UpdateSession(ctx, sessionID, func(s *model.TrackingSession) error {
		if s.CourierID != courierID {
			return ErrSessionNotFound
		}
		if s.Label == label {
			return store.ErrNoChange
		}
		s.Label = label
		return nil
	})
	if err != nil {
		return model.TrackingSession{}, storeErr("set label", err)
	}
	return out, nil
}

// Dashboard lists the courier's pending and active sessions, newest first, with the
// distance from the courier's latest fix to each recipient.
func (c *Coordinator) Dashboard(ctx context.Context, courierID string) (model.Dashboard, error) {
	if courierID == "" {
		return model.Dashboard{}, ErrInvalidID
	}
	courier, err := c.latest(ctx, courierID)
	if err != nil {
		return model.Dashboard{}, err
	}
	rows, err := c.store.ListSessionsByCourier(ctx, courierID,
		[]model.SessionStatus{model.StatusPending, model.StatusActive}, c.cfg.DashboardLimit)
	if err != nil {
		return model.Dashboard{}, transient("list sessions", err)
	}
	d := model.Dashboard{Courier: courier, Pending: []model.DashboardEntry{}, Active: []model.DashboardEntry{}}
	now := c.nowMs()
	for _, s := range rows {
		if s.ExpiredAt(now) {
			if _, err := c.load(ctx, s.SessionID); err != nil {
				c.log.Warn("lazy expiry failed", "session_id", s.SessionID, "error", err)
			}
			continue
		}
		e := model.DashboardEntry{TrackingSession: s}
		if courier != nil && s.RecipientLat != nil && s.RecipientLng != nil {
			dist := geo.HaversineM(courier.Lat, courier.Lng, *s.RecipientLat, *s.RecipientLng)
			e.DistanceM = &dist
		}
		if s.Status == model.StatusActive {
			d.Active = append(d.Active, e)
		} else {
			d.Pending = append(d.Pending, e)
		}
	}
	return d, nil
}

func (c *Coordinator) emit(ctx context.Context, typ string, s model.TrackingSession, data map[string]any) {
	evt := notify.Event{
		ID:          c.newID(),
		Type:        typ,
		SessionID:   s.SessionID,
		CourierID:   s.CourierID,
		RecipientID: s.RecipientID,
		TsMs:        c.nowMs(),
		Data:        data,
	}
	if err := c.notify.Notify(ctx, evt); err != nil {
		c.log.Warn("notify failed", "type", typ, "session_id", s.SessionID, "error", err)
	}
}
