// Package client is the recipient-side tracking client: HTTP bindings for the session API
// and the TrackingClient that polls, buffers and renders one courier-watch.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bullyto/maps/internal/buildinfo"
	"github.com/bullyto/maps/internal/model"
)

// APIError is a non-2xx or ok:false reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// IsNotActive reports whether err is the server refusing a read because the session is not active.
func IsNotActive(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// IsNotFound reports whether err means the session is unknown to the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// API is a thin JSON client for the tracking service.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: "malformed response"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !env.OK {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func sessionPath(id string, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(id) + suffix
}

func (a *API) RequestTracking(ctx context.Context, req model.TrackingRequest) (model.TrackingSession, error) {
	var out model.TrackingSession
	err := a.do(ctx, http.MethodPost, "/v1/sessions", req, &out)
	return out, err
}

func (a *API) Status(ctx context.Context, sessionID string) (model.StatusView, error) {
	var out model.StatusView
	err := a.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &out)
	return out, err
}

func (a *API) CourierPosition(ctx context.Context, sessionID string) (model.CourierView, error) {
	var out model.CourierView
	err := a.do(ctx, http.MethodGet, sessionPath(sessionID, "/courier"), nil, &out)
	return out, err
}

func (a *API) PushPosition(ctx context.Context, sessionID string, upd model.PositionUpdate) error {
	return a.do(ctx, http.MethodPost, sessionPath(sessionID, "/position"), upd, nil)
}

func (a *API) Decide(ctx context.Context, sessionID string, req model.DecisionRequest) (model.TrackingSession, error) {
	var out model.TrackingSession
	err := a.do(ctx, http.MethodPost, sessionPath(sessionID, "/decision"), req, &out)
	return out, err
}

func (a *API) SetLabel(ctx context.Context, sessionID, label string) (model.TrackingSession, error) {
	var out model.TrackingSession
	err := a.do(ctx, http.MethodPost, sessionPath(sessionID, "/label"), model.LabelRequest{Label: label}, &out)
	return out, err
}

func (a *API) PushCourierPosition(ctx context.Context, upd model.PositionUpdate) (model.CourierSample, error) {
	var out model.CourierSample
	err := a.do(ctx, http.MethodPost, "/v1/courier/positions", upd, &out)
	return out, err
}

func (a *API) Dashboard(ctx context.Context) (model.Dashboard, error) {
	var out model.Dashboard
	err := a.do(ctx, http.MethodGet, "/v1/courier/dashboard", nil, &out)
	return out, err
}
