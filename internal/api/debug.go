package api

import (
	"net/http"
	"time"

	"github.com/bullyto/maps/internal/buildinfo"
)

// DebugJSON reports build info and the effective configuration without secrets.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	writeOK(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  s.now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":               c.Port,
			"authMode":           s.Auth.Mode,
			"rateRps":            c.Rate.RPS,
			"rateBurst":          c.Rate.Burst,
			"requestCooldown":    c.Rate.RequestCooldown.String(),
			"webhookMaxAttempts": c.Webhook.MaxAttempts,
			"hasDatabaseUrl":     c.DatabaseURL != "",
			"hasRedisUrl":        c.RedisURL != "",
			"hasAmqpUrl":         c.AMQPURL != "",
			"hasWebhookUrl":      c.Webhook.URL != "",
			"maxDurationMin":     c.Session.MaxDurationMin,
			"defaultDurationMin": c.Session.DefaultDurationMin,
			"arrivalRadiusM":     c.Session.ArrivalRadiusM,
		},
	})
}
