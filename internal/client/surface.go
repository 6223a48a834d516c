package client

import (
	"github.com/bullyto/maps/internal/model"
)

// Surface is the map or display the client draws on. Calls come from the client's
// goroutines but never concurrently with each other. A callback that wants to end the
// watch calls TrackingClient.Cancel, not Stop.
type Surface interface {
	// SetMarker moves the courier marker.
	SetMarker(p model.GeoPoint)
	// FitBounds recentres on the courier and, when known, the recipient.
	FitBounds(courier model.GeoPoint, self *model.GeoPoint)
	// Arrival fires once per session when the courier is almost there.
	Arrival(sessionID string)
	StatusChanged(v model.StatusView)
	// Hint surfaces a user-facing geolocation message.
	Hint(msg string)
}
