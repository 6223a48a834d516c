package store

import (
	"context"
	"errors"
	"sync"

	"github.com/bullyto/maps/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	sessions    map[string]model.TrackingSession // sessionId -> session
	byCourier   map[string][]string              // courierId -> session ids, creation order
	samples     map[string][]model.CourierSample // courierId -> append-only log
	lastCourier string
	lastTs      int64
}

func NewMemory() *Memory {
	return &Memory{
		sessions:  map[string]model.TrackingSession{},
		byCourier: map[string][]string{},
		samples:   map[string][]model.CourierSample{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateSession(ctx context.Context, s model.TrackingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; ok {
		return errors.New("session already exists")
	}
	m.sessions[s.SessionID] = cloneSession(s)
	m.byCourier[s.CourierID] = append(m.byCourier[s.CourierID], s.SessionID)
	return nil
}

func (m *Memory) GetSession(ctx context.Context, sessionID string) (model.TrackingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return model.TrackingSession{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *Memory) UpdateSession(ctx context.Context, sessionID string, fn func(*model.TrackingSession) error) (model.TrackingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[sessionID]
	if !ok {
		return model.TrackingSession{}, ErrNotFound
	}
	next := cloneSession(cur)
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cloneSession(cur), nil
		}
		return model.TrackingSession{}, err
	}
	// identity columns are immutable
	next.SessionID, next.CourierID, next.RecipientID = cur.SessionID, cur.CourierID, cur.RecipientID
	next.AnchorLat, next.AnchorLng, next.CreatedAtMs = cur.AnchorLat, cur.AnchorLng, cur.CreatedAtMs
	m.sessions[sessionID] = next
	return cloneSession(next), nil
}

func (m *Memory) ListSessionsByCourier(ctx context.Context, courierID string, statuses []model.SessionStatus, limit int) ([]model.TrackingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	want := map[model.SessionStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	ids := m.byCourier[courierID]
	out := []model.TrackingSession{}
	// newest first, like the dashboard query
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.sessions[ids[i]]
		if len(want) == 0 || want[s.Status] {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *Memory) AppendSample(ctx context.Context, s model.CourierSample) (model.CourierSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.samples[s.CourierID]
	if n := len(log); n > 0 && s.ServerTimestampMs <= log[n-1].ServerTimestampMs {
		s.ServerTimestampMs = log[n-1].ServerTimestampMs + 1
	}
	m.samples[s.CourierID] = append(log, s)
	if s.ServerTimestampMs >= m.lastTs {
		m.lastTs = s.ServerTimestampMs
		m.lastCourier = s.CourierID
	}
	return s, nil
}

func (m *Memory) LatestSample(ctx context.Context, courierID string) (model.CourierSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.samples[courierID]
	if len(log) == 0 {
		return model.CourierSample{}, ErrNotFound
	}
	return log[len(log)-1], nil
}

func (m *Memory) LastActiveCourier(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCourier == "" {
		return "", ErrNotFound
	}
	return m.lastCourier, nil
}

func cloneSession(s model.TrackingSession) model.TrackingSession {
	out := s
	out.ExpiresAtMs = cloneInt(s.ExpiresAtMs)
	out.EndedAtMs = cloneInt(s.EndedAtMs)
	out.RecipientTsMs = cloneInt(s.RecipientTsMs)
	out.RecipientLat = cloneFloat(s.RecipientLat)
	out.RecipientLng = cloneFloat(s.RecipientLng)
	return out
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
