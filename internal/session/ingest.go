package session

import (
	"context"
	"strings"

	"github.com/bullyto/maps/internal/geo"
	"github.com/bullyto/maps/internal/metrics"
	"github.com/bullyto/maps/internal/model"
)

// IngestResult is what a courier position push produced.
type IngestResult struct {
	Sample  model.CourierSample
	Arrived []model.TrackingSession
}

// IngestSample appends a courier fix to the position log and runs the arrival geofence.
// The store assigns the server timestamp; a geofence failure does not fail the ingest.
func (c *Coordinator) IngestSample(ctx context.Context, courierID string, upd model.PositionUpdate) (IngestResult, error) {
	if strings.TrimSpace(courierID) == "" {
		return IngestResult{}, ErrInvalidID
	}
	if !geo.ValidLatLng(upd.Lat, upd.Lng) || !optionalFinite(upd.Accuracy, upd.SpeedMps, upd.HeadingDeg) {
		metrics.SamplesIngested.WithLabelValues("rejected").Inc()
		return IngestResult{}, ErrInvalidPosition
	}
	smp, err := c.store.AppendSample(ctx, model.CourierSample{
		CourierID:         courierID,
		Lat:               upd.Lat,
		Lng:               upd.Lng,
		Accuracy:          upd.Accuracy,
		SpeedMps:          upd.SpeedMps,
		HeadingDeg:        upd.HeadingDeg,
		ServerTimestampMs: c.nowMs(),
	})
	if err != nil {
		metrics.SamplesIngested.WithLabelValues("error").Inc()
		return IngestResult{}, transient("append sample", err)
	}
	metrics.SamplesIngested.WithLabelValues("stored").Inc()

	arrived, err := c.evaluateGeofence(ctx, smp)
	if err != nil {
		c.log.Warn("geofence evaluation failed", "courier_id", courierID, "error", err)
	}
	return IngestResult{Sample: smp, Arrived: arrived}, nil
}

func optionalFinite(vs ...*float64) bool {
	for _, v := range vs {
		if v != nil && !geo.Finite(*v) {
			return false
		}
	}
	return true
}
