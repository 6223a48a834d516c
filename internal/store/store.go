package store

import (
	"context"
	"errors"

	"github.com/bullyto/maps/internal/model"
)

// Store is the persistence interface used by the session coordinator.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s model.TrackingSession) error
	GetSession(ctx context.Context, sessionID string) (model.TrackingSession, error)
	// UpdateSession applies fn to the current row under a row lock and persists the result.
	// fn may return ErrNoChange to leave the row untouched; the current row is returned.
	UpdateSession(ctx context.Context, sessionID string, fn func(*model.TrackingSession) error) (model.TrackingSession, error)
	ListSessionsByCourier(ctx context.Context, courierID string, statuses []model.SessionStatus, limit int) ([]model.TrackingSession, error)

	// Courier position log
	AppendSample(ctx context.Context, s model.CourierSample) (model.CourierSample, error)
	LatestSample(ctx context.Context, courierID string) (model.CourierSample, error)
	LastActiveCourier(ctx context.Context) (string, error)

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	ErrNoChange = errors.New("no change")
)
