// Package api implements the HTTP surface of the courier tracking service.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bullyto/maps/internal/auth"
)

var errForbidden = errors.New("wrong role for this operation")

// getPrincipal resolves the caller from the bearer token. In dev mode a request
// without a token may name itself with X-Role and X-Subject headers.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
	tok := auth.TokenFromRequest(r)
	if tok == "" && s.Auth.Mode == "dev" {
		role := strings.ToLower(r.Header.Get("X-Role"))
		subject := r.Header.Get("X-Subject")
		if role != "" && subject != "" {
			tok = role + ":" + subject
		}
	}
	return s.Auth.Verify(tok)
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// requireRole rejects callers without a valid token (401) or with another role (403).
func (s *Server) requireRole(role auth.Role, h principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.getPrincipal(r)
		if err != nil {
			writeFail(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if p.Role != role {
			writeFail(w, http.StatusForbidden, errForbidden.Error())
			return
		}
		h(w, r, p)
	}
}
