package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bullyto/maps/internal/auth"
	"github.com/bullyto/maps/internal/model"
)

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	if errors.Is(err, errEmptyBody) {
		writeFail(w, http.StatusBadRequest, "request body required")
		return
	}
	writeFail(w, http.StatusBadRequest, validationMessage(err))
}

// RequestTrackingHandler handles POST /v1/sessions, at most once per cooldown per recipient.
func (s *Server) RequestTrackingHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	s.requestCooldown(s.createSession)(w, r, p)
}

// createSession reports whether a session was created.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request, p auth.Principal) bool {
	var req model.TrackingRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return false
	}
	sess, err := s.Coord.RequestTracking(r.Context(), p.Subject, req.CourierID, req.Label, req.Lat, req.Lng)
	if err != nil {
		writeError(w, err)
		return false
	}
	writeOK(w, http.StatusCreated, sess)
	return true
}

// StatusHandler handles GET /v1/sessions/{id}. Knowing the id is enough to poll it.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	v, err := s.Coord.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, v)
}

// DecisionHandler handles POST /v1/sessions/{id}/decision
func (s *Server) DecisionHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req model.DecisionRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	sess, err := s.Coord.Decide(r.Context(), r.PathValue("id"), p.Subject, req.Action, req.Minutes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sess)
}

// RecipientPositionHandler handles POST /v1/sessions/{id}/position
func (s *Server) RecipientPositionHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req model.PositionUpdate
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	sess, err := s.Coord.RecordRecipientPosition(r.Context(), r.PathValue("id"), p.Subject, req.Lat, req.Lng, req.TsMs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"sessionId": sess.SessionID, "status": sess.Status})
}

// CourierPositionHandler handles GET /v1/sessions/{id}/courier
func (s *Server) CourierPositionHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	v, err := s.Coord.CourierPosition(r.Context(), r.PathValue("id"), p.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, v)
}

// LabelHandler handles POST /v1/sessions/{id}/label
func (s *Server) LabelHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req model.LabelRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	sess, err := s.Coord.SetLabel(r.Context(), r.PathValue("id"), p.Subject, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sess)
}

type courierPushReply struct {
	model.CourierSample
	Arrived []string `json:"arrived"`
}

// CourierPushHandler handles POST /v1/courier/positions
func (s *Server) CourierPushHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req model.PositionUpdate
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	res, err := s.Coord.IngestSample(r.Context(), p.Subject, req)
	if err != nil {
		writeError(w, err)
		return
	}
	out := courierPushReply{CourierSample: res.Sample, Arrived: []string{}}
	for _, a := range res.Arrived {
		out.Arrived = append(out.Arrived, a.SessionID)
	}
	writeOK(w, http.StatusOK, out)
}

// DashboardHandler handles GET /v1/courier/dashboard
func (s *Server) DashboardHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	d, err := s.Coord.Dashboard(r.Context(), p.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, d)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeFail(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	type pinger interface{ Ping(ctx context.Context) error }
	if p, ok := s.Broker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeFail(w, http.StatusServiceUnavailable, "broker not ready")
			return
		}
	}
	writeOK(w, http.StatusOK, map[string]string{"status": "ready"})
}
