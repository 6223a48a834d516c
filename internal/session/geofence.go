package session

import (
	"context"

	"github.com/bullyto/maps/internal/geo"
	"github.com/bullyto/maps/internal/metrics"
	"github.com/bullyto/maps/internal/model"
	"github.com/bullyto/maps/internal/notify"
	"github.com/bullyto/maps/internal/store"
)

// geofenceScanLimit bounds how many active sessions one sample is checked against.
const geofenceScanLimit = 500

// Within reports whether lat/lng lies inside radiusM of the session anchor.
func Within(s model.TrackingSession, lat, lng, radiusM float64) (bool, float64) {
	d := geo.HaversineM(s.AnchorLat, s.AnchorLng, lat, lng)
	return d <= radiusM, d
}

// evaluateGeofence latches the arrival flag on every active session of the sample's
// courier whose anchor is within the arrival radius. It returns the sessions latched by this call.
func (c *Coordinator) evaluateGeofence(ctx context.Context, smp model.CourierSample) ([]model.TrackingSession, error) {
	rows, err := c.store.ListSessionsByCourier(ctx, smp.CourierID, []model.SessionStatus{model.StatusActive}, geofenceScanLimit)
	if err != nil {
		return nil, transient("list active sessions", err)
	}
	var latched []model.TrackingSession
	for _, s := range rows {
		if s.ArrivalNotified || s.ExpiredAt(c.nowMs()) {
			continue
		}
		in, dist := Within(s, smp.Lat, smp.Lng, c.cfg.ArrivalRadiusM)
		if !in {
			continue
		}
		flipped := false
		out, err := c.store.UpdateSession(ctx, s.SessionID, func(cur *model.TrackingSession) error {
			if cur.Status != model.StatusActive || cur.ArrivalNotified || cur.ExpiredAt(c.nowMs()) {
				return store.ErrNoChange
			}
			cur.ArrivalNotified = true
			flipped = true
			return nil
		})
		if err != nil {
			c.log.Warn("arrival latch failed", "session_id", s.SessionID, "error", err)
			continue
		}
		if !flipped {
			continue
		}
		metrics.ArrivalsLatched.Inc()
		c.log.Info("arrival latched", "session_id", out.SessionID, "distance_m", dist)
		c.emit(ctx, notify.EventArrival, out, map[string]any{"distanceM": dist})
		latched = append(latched, out)
	}
	return latched, nil
}
