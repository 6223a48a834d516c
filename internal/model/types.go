package model

import "time"

// Core domain types shared by the store, coordinator, API and tracking client.

type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusActive  SessionStatus = "active"
	StatusDenied  SessionStatus = "denied"
	StatusExpired SessionStatus = "expired"
)

// Terminal reports whether no further transition can leave this status.
func (s SessionStatus) Terminal() bool { return s == StatusDenied || s == StatusExpired }

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDenied, StatusExpired:
		return true
	}
	return false
}

type Action string

const (
	ActionAccept Action = "accept"
	ActionDeny   Action = "deny"
	ActionStop   Action = "stop"
	ActionExtend Action = "extend"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAccept, ActionDeny, ActionStop, ActionExtend:
		return true
	}
	return false
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CourierSample is one append-only row of the courier position log.
type CourierSample struct {
	CourierID         string   `json:"courierId"`
	Lat               float64  `json:"lat"`
	Lng               float64  `json:"lng"`
	Accuracy          *float64 `json:"accuracy,omitempty"`
	SpeedMps          *float64 `json:"speedMps,omitempty"`
	HeadingDeg        *float64 `json:"headingDeg,omitempty"`
	ServerTimestampMs int64    `json:"ts"`
}

// TrackingSession is the authorization row granting one recipient visibility of one courier.
type TrackingSession struct {
	SessionID       string        `json:"sessionId"`
	CourierID       string        `json:"courierId"`
	RecipientID     string        `json:"recipientId"`
	Status          SessionStatus `json:"status"`
	ExpiresAtMs     *int64        `json:"expiresAtMs,omitempty"`
	RecipientLat    *float64      `json:"recipientLat,omitempty"`
	RecipientLng    *float64      `json:"recipientLng,omitempty"`
	RecipientTsMs   *int64        `json:"recipientTs,omitempty"`
	AnchorLat       float64       `json:"anchorLat"`
	AnchorLng       float64       `json:"anchorLng"`
	ArrivalNotified bool          `json:"arrivalNotified"`
	Label           string        `json:"label,omitempty"`
	CreatedAtMs     int64         `json:"createdAtMs"`
	EndedAtMs       *int64        `json:"endedAtMs,omitempty"`
}

// ExpiredAt reports whether an active session has run past its window at nowMs.
func (s TrackingSession) ExpiredAt(nowMs int64) bool {
	return s.Status == StatusActive && s.ExpiresAtMs != nil && nowMs >= *s.ExpiresAtMs
}

// RemainingMs is the time left in the window, 0 when not active.
func (s TrackingSession) RemainingMs(nowMs int64) int64 {
	if s.Status != StatusActive || s.ExpiresAtMs == nil {
		return 0
	}
	if r := *s.ExpiresAtMs - nowMs; r > 0 {
		return r
	}
	return 0
}

// StatusView is what a recipient sees on a status poll.
type StatusView struct {
	SessionID       string         `json:"sessionId"`
	Status          SessionStatus  `json:"status"`
	ExpiresAtMs     *int64         `json:"expiresAtMs"`
	RemainingMs     int64          `json:"remainingMs"`
	Courier         *CourierSample `json:"courier"`
	ArrivalNotified bool           `json:"arrival"`
	Label           string         `json:"label,omitempty"`
}

// CourierView is the get-courier-position read model.
type CourierView struct {
	SessionID   string         `json:"sessionId"`
	Courier     *CourierSample `json:"courier"`
	RemainingMs int64          `json:"remainingMs"`
}

// DashboardEntry is one session row on the courier dashboard.
type DashboardEntry struct {
	TrackingSession
	DistanceM *float64 `json:"distanceM"`
}

type Dashboard struct {
	Courier *CourierSample   `json:"courier"`
	Pending []DashboardEntry `json:"pending"`
	Active  []DashboardEntry `json:"active"`
}

// Requests decoded by the API layer.

type TrackingRequest struct {
	CourierID string  `json:"courierId,omitempty" validate:"omitempty,max=128"`
	Label     string  `json:"label,omitempty" validate:"max=120"`
	Lat       float64 `json:"lat" validate:"latitude"`
	Lng       float64 `json:"lng" validate:"longitude"`
}

type DecisionRequest struct {
	Action  Action `json:"action" validate:"required,oneof=accept deny stop extend"`
	Minutes *int   `json:"minutes,omitempty"`
}

type PositionUpdate struct {
	Lat        float64  `json:"lat" validate:"latitude"`
	Lng        float64  `json:"lng" validate:"longitude"`
	Accuracy   *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	SpeedMps   *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	HeadingDeg *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	TsMs       int64    `json:"ts,omitempty" validate:"gte=0"`
}

type LabelRequest struct {
	Label string `json:"label" validate:"required,max=120"`
}

// MillisOf converts a wall-clock time to epoch milliseconds.
func MillisOf(t time.Time) int64 { return t.UnixMilli() }
