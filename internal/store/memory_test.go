package store

import (
	"context"
	"errors"
	"testing"

	"github.com/bullyto/maps/internal/model"
)

func newSession(id, courier string, created int64) model.TrackingSession {
	return model.TrackingSession{
		SessionID: id, CourierID: courier, RecipientID: "r-" + id,
		Status: model.StatusPending, AnchorLat: 42.7, AnchorLng: 2.9, CreatedAtMs: created,
	}
}

func TestMemorySessionLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateSession(ctx, newSession("s1", "c1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.CreateSession(ctx, newSession("s1", "c1", 1)); err == nil {
		t.Fatalf("duplicate id should fail")
	}
	if _, err := m.GetSession(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	got, err := m.UpdateSession(ctx, "s1", func(s *model.TrackingSession) error {
		exp := int64(100)
		s.Status = model.StatusActive
		s.ExpiresAtMs = &exp
		s.AnchorLat = 0
		s.CourierID = "someone-else"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != model.StatusActive || got.AnchorLat != 42.7 || got.CourierID != "c1" {
		t.Fatalf("identity/anchor must be immutable: %+v", got)
	}

	// mutating the returned copy does not leak into the store
	*got.ExpiresAtMs = 999
	again, _ := m.GetSession(ctx, "s1")
	if *again.ExpiresAtMs != 100 {
		t.Fatalf("store leaked pointer, expires=%d", *again.ExpiresAtMs)
	}

	same, err := m.UpdateSession(ctx, "s1", func(s *model.TrackingSession) error {
		s.Status = model.StatusDenied
		return ErrNoChange
	})
	if err != nil || same.Status != model.StatusActive {
		t.Fatalf("ErrNoChange should keep row: %v %+v", err, same)
	}
}

func TestMemoryListSessionsByCourier(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.CreateSession(ctx, newSession("a", "c1", 1))
	_ = m.CreateSession(ctx, newSession("b", "c1", 2))
	_ = m.CreateSession(ctx, newSession("c", "c2", 3))
	_, _ = m.UpdateSession(ctx, "a", func(s *model.TrackingSession) error {
		s.Status = model.StatusDenied
		return nil
	})

	all, _ := m.ListSessionsByCourier(ctx, "c1", nil, 10)
	if len(all) != 2 || all[0].SessionID != "b" {
		t.Fatalf("want newest first [b a], got %+v", all)
	}
	pending, _ := m.ListSessionsByCourier(ctx, "c1", []model.SessionStatus{model.StatusPending}, 10)
	if len(pending) != 1 || pending[0].SessionID != "b" {
		t.Fatalf("status filter failed: %+v", pending)
	}
	one, _ := m.ListSessionsByCourier(ctx, "c1", nil, 1)
	if len(one) != 1 {
		t.Fatalf("limit not applied: %d", len(one))
	}
}

func TestMemoryAppendSampleMonotonic(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.LatestSample(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on empty log")
	}
	if _, err := m.LastActiveCourier(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound with no samples")
	}
	a, _ := m.AppendSample(ctx, model.CourierSample{CourierID: "c1", Lat: 1, Lng: 1, ServerTimestampMs: 5000})
	b, _ := m.AppendSample(ctx, model.CourierSample{CourierID: "c1", Lat: 2, Lng: 2, ServerTimestampMs: 5000})
	c, _ := m.AppendSample(ctx, model.CourierSample{CourierID: "c1", Lat: 3, Lng: 3, ServerTimestampMs: 4000})
	if a.ServerTimestampMs != 5000 || b.ServerTimestampMs != 5001 || c.ServerTimestampMs != 5002 {
		t.Fatalf("timestamps not strictly increasing: %d %d %d", a.ServerTimestampMs, b.ServerTimestampMs, c.ServerTimestampMs)
	}
	last, _ := m.LatestSample(ctx, "c1")
	if last.Lat != 3 {
		t.Fatalf("latest should be last appended, got %+v", last)
	}
	_, _ = m.AppendSample(ctx, model.CourierSample{CourierID: "c2", Lat: 1, Lng: 1, ServerTimestampMs: 9000})
	if id, _ := m.LastActiveCourier(ctx); id != "c2" {
		t.Fatalf("want c2 as last active, got %q", id)
	}
}
