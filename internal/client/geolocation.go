package client

import (
	"context"
	"errors"
)

// Geolocation failures. None of them are fatal: they pause self-position pushes only.
var (
	ErrPermissionDenied    = errors.New("geolocation: permission denied")
	ErrPositionUnavailable = errors.New("geolocation: position unavailable")
	ErrTimeout             = errors.New("geolocation: timeout")
)

// Fix is one reading from the device location source.
type Fix struct {
	Lat      float64
	Lng      float64
	Accuracy float64
	TsMs     int64
}

// Locator samples the device position.
type Locator interface {
	Locate(ctx context.Context) (Fix, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context) (Fix, error)

func (f LocatorFunc) Locate(ctx context.Context) (Fix, error) { return f(ctx) }

// StaticLocator always reports the same position.
type StaticLocator Fix

func (s StaticLocator) Locate(context.Context) (Fix, error) { return Fix(s), nil }

// Hint turns a geolocation error into something a user can act on.
func Hint(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Location access is blocked. Allow location for this site, then try again."
	case errors.Is(err, ErrTimeout):
		return "Getting your position took too long. Move near a window or enable precise location."
	case errors.Is(err, ErrPositionUnavailable):
		return "Your position is unavailable right now. Check that location services are on."
	}
	return "Your position could not be read."
}
