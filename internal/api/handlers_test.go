package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bullyto/maps/internal/config"
	"github.com/bullyto/maps/internal/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *fakeClock) {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := NewServer(cfg, WithClock(clk.Now), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, clk
}

func call(t *testing.T, h http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	out := map[string]any{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: body is not a JSON object: %q", method, path, rr.Body.String())
	}
	return rr.Code, out
}

func TestHealthReady(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	if code, body := call(t, h, http.MethodGet, "/healthz", "", nil); code != 200 || body["ok"] != true {
		t.Fatalf("health: %d %v", code, body)
	}
	if code, body := call(t, h, http.MethodGet, "/readyz", "", nil); code != 200 || body["status"] != "ready" {
		t.Fatalf("ready: %d %v", code, body)
	}
}

func TestTrackingFlow(t *testing.T) {
	s, clk := newTestServer(t)
	h := s.Handler()
	const rcpt, courier = "recipient:r1", "courier:c1"

	code, body := call(t, h, http.MethodPost, "/v1/sessions", rcpt,
		map[string]any{"courierId": "c1", "lat": 42.70, "lng": 2.90, "label": "Door 4"})
	if code != http.StatusCreated || body["ok"] != true || body["status"] != "pending" {
		t.Fatalf("request tracking: %d %v", code, body)
	}
	sid, _ := body["sessionId"].(string)
	if sid == "" {
		t.Fatalf("no session id: %v", body)
	}
	base := "/v1/sessions/" + sid

	if code, _ := call(t, h, http.MethodGet, base+"/courier", rcpt, nil); code != http.StatusConflict {
		t.Fatalf("courier position while pending: want 409, got %d", code)
	}
	if code, _ := call(t, h, http.MethodPost, base+"/decision", "courier:c2", map[string]any{"action": "accept"}); code != http.StatusNotFound {
		t.Fatalf("foreign courier: want 404, got %d", code)
	}

	code, body = call(t, h, http.MethodPost, base+"/decision", courier, map[string]any{"action": "accept", "minutes": 10})
	if code != 200 || body["status"] != "active" {
		t.Fatalf("accept: %d %v", code, body)
	}
	wantExp := float64(clk.Now().Add(10 * time.Minute).UnixMilli())
	if body["expiresAtMs"] != wantExp {
		t.Fatalf("expiresAtMs: want %v got %v", wantExp, body["expiresAtMs"])
	}

	// ~2.2 km away: stored, no arrival
	code, body = call(t, h, http.MethodPost, "/v1/courier/positions", courier, map[string]any{"lat": 42.72, "lng": 2.90})
	if code != 200 || body["ts"] != float64(clk.Now().UnixMilli()) {
		t.Fatalf("courier push: %d %v", code, body)
	}
	if arrived, _ := body["arrived"].([]any); len(arrived) != 0 {
		t.Fatalf("unexpected arrival: %v", body)
	}

	code, body = call(t, h, http.MethodGet, base+"/courier", rcpt, nil)
	c, _ := body["courier"].(map[string]any)
	if code != 200 || c["lat"] != 42.72 {
		t.Fatalf("courier position: %d %v", code, body)
	}

	clk.Advance(3 * time.Second)
	code, body = call(t, h, http.MethodPost, "/v1/courier/positions", courier, map[string]any{"lat": 42.7005, "lng": 2.90})
	arrived, _ := body["arrived"].([]any)
	if code != 200 || len(arrived) != 1 || arrived[0] != sid {
		t.Fatalf("arrival push: %d %v", code, body)
	}

	code, body = call(t, h, http.MethodGet, base, "", nil)
	if code != 200 || body["arrival"] != true || body["status"] != "active" {
		t.Fatalf("status: %d %v", code, body)
	}

	clk.Advance(11 * time.Minute)
	code, body = call(t, h, http.MethodGet, base, "", nil)
	if code != 200 || body["status"] != "expired" {
		t.Fatalf("lazy expiry: %d %v", code, body)
	}
	if code, _ := call(t, h, http.MethodGet, base+"/courier", rcpt, nil); code != http.StatusConflict {
		t.Fatalf("courier after expiry: want 409, got %d", code)
	}
}

func TestErrorMapping(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if code, body := call(t, h, http.MethodPost, "/v1/sessions", "", map[string]any{"courierId": "c1", "lat": 1, "lng": 1}); code != 401 || body["ok"] != false {
		t.Fatalf("missing token: %d %v", code, body)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions", "courier:c1", map[string]any{"courierId": "c1", "lat": 1, "lng": 1}); code != 403 {
		t.Fatalf("wrong role: want 403, got %d", code)
	}
	code, body := call(t, h, http.MethodPost, "/v1/sessions", "recipient:r1", map[string]any{"courierId": "c1", "lat": 95, "lng": 1})
	if code != 400 || !strings.Contains(body["error"].(string), "Lat") {
		t.Fatalf("bad latitude: %d %v", code, body)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions", "recipient:r1", nil); code != 400 {
		t.Fatalf("empty body: want 400, got %d", code)
	}
	// no courier has ever reported, so an implicit courier cannot be resolved
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions", "recipient:r1", map[string]any{"lat": 1, "lng": 1}); code != 400 {
		t.Fatalf("no courier: want 400, got %d", code)
	}
	if code, _ := call(t, h, http.MethodGet, "/v1/sessions/nope", "", nil); code != 404 {
		t.Fatalf("unknown session: want 404, got %d", code)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions/nope/decision", "courier:c1", map[string]any{"action": "launch"}); code != 400 {
		t.Fatalf("bad action: want 400, got %d", code)
	}

	_, body = call(t, h, http.MethodPost, "/v1/sessions", "recipient:r1", map[string]any{"courierId": "c1", "lat": 1, "lng": 1})
	sid := body["sessionId"].(string)
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/decision", "courier:c1", map[string]any{"action": "deny"}); code != 200 {
		t.Fatalf("deny: %d", code)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/decision", "courier:c1", map[string]any{"action": "accept"}); code != 409 {
		t.Fatalf("accept after deny: want 409, got %d", code)
	}
}

func TestDevHeaderFallback(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/courier/dashboard", nil)
	req.Header.Set("X-Role", "courier")
	req.Header.Set("X-Subject", "c1")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("dashboard via headers: %d %s", rr.Code, rr.Body.String())
	}

	hs, _ := newTestServer(t, func(c *config.Config) { c.Auth = config.AuthConfig{Mode: "hmac", HMACSecret: "k"} })
	rr = httptest.NewRecorder()
	hs.Handler().ServeHTTP(rr, req)
	if rr.Code != 401 {
		t.Fatalf("header fallback must be dev only, got %d", rr.Code)
	}
}

func TestRecipientPositionAndLabel(t *testing.T) {
	s, clk := newTestServer(t)
	h := s.Handler()
	_, body := call(t, h, http.MethodPost, "/v1/sessions", "recipient:r1", map[string]any{"courierId": "c1", "lat": 1, "lng": 1})
	sid := body["sessionId"].(string)

	clk.Advance(time.Second)
	code, body := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/position", "recipient:r1", map[string]any{"lat": 1.001, "lng": 1})
	if code != 200 || body["status"] != "pending" {
		t.Fatalf("push position: %d %v", code, body)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/position", "recipient:r2", map[string]any{"lat": 1, "lng": 1}); code != 404 {
		t.Fatalf("foreign recipient: want 404, got %d", code)
	}
	code, body = call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/label", "courier:c1", map[string]any{"label": "  Gate B  "})
	if code != 200 || body["label"] != "Gate B" {
		t.Fatalf("label: %d %v", code, body)
	}
	code, body = call(t, h, http.MethodGet, "/v1/courier/dashboard", "courier:c1", nil)
	pending, _ := body["pending"].([]any)
	if code != 200 || len(pending) != 1 {
		t.Fatalf("dashboard: %d %v", code, body)
	}
}

func TestPositionRateLimit(t *testing.T) {
	s, clk := newTestServer(t, func(c *config.Config) { c.Rate = config.RateConfig{RPS: 1, Burst: 2} })
	h := s.Handler()
	push := func() int {
		code, _ := call(t, h, http.MethodPost, "/v1/courier/positions", "courier:c1", map[string]any{"lat": 1, "lng": 1})
		return code
	}
	if push() != 200 || push() != 200 {
		t.Fatalf("burst should pass")
	}
	if code := push(); code != http.StatusTooManyRequests {
		t.Fatalf("want 429, got %d", code)
	}
	// other principals have their own bucket
	if code, _ := call(t, h, http.MethodPost, "/v1/courier/positions", "courier:c2", map[string]any{"lat": 1, "lng": 1}); code != 200 {
		t.Fatalf("other courier limited: %d", code)
	}
	clk.Advance(time.Second)
	if code := push(); code != 200 {
		t.Fatalf("refill: want 200, got %d", code)
	}
}

func TestDebugAndMetrics(t *testing.T) {
	metrics.RegisterDefault()
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Mode: "hmac", HMACSecret: "super-secret"}
	})
	h := s.Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/config", nil))
	if rr.Code != 200 || strings.Contains(rr.Body.String(), "super-secret") {
		t.Fatalf("debug config: %d %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

func createPending(t *testing.T, h http.Handler) string {
	t.Helper()
	code, body := call(t, h, http.MethodPost, "/v1/sessions", "recipient:r1", map[string]any{"courierId": "c1", "lat": 1, "lng": 1})
	if code != http.StatusCreated {
		t.Fatalf("create: %d %v", code, body)
	}
	return body["sessionId"].(string)
}

func TestEventStream(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()
	sid := createPending(t, h)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/v1/sessions/" + sid + "/events/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}
	rd := bufio.NewReader(resp.Body)
	next := func() (string, map[string]any) {
		var typ string
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			line = strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				typ = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				data := map[string]any{}
				_ = json.Unmarshal([]byte(v), &data)
				return typ, data
			}
		}
	}
	typ, data := next()
	if typ != "session.status" || data["status"] != "pending" {
		t.Fatalf("first event: %s %v", typ, data)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/decision", "courier:c1", map[string]any{"action": "deny"}); code != 200 {
		t.Fatalf("deny: %d", code)
	}
	typ, data = next()
	if typ != "session.status" || data["status"] != "denied" || data["sessionId"] != sid {
		t.Fatalf("deny event: %s %v", typ, data)
	}
	// terminal status closes the stream
	if _, err := io.ReadAll(rd); err != nil {
		t.Fatalf("stream should end cleanly: %v", err)
	}
}

func TestEventStreamUnknownSession(t *testing.T) {
	s, _ := newTestServer(t)
	if code, _ := call(t, s.Handler(), http.MethodGet, "/v1/sessions/missing/events/stream", "", nil); code != 404 {
		t.Fatalf("want 404, got %d", code)
	}
}

func TestWebSocketEvents(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()
	sid := createPending(t, h)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + sid + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "session.status" || msg.Data["status"] != "pending" {
		t.Fatalf("first message: %v %+v", err, msg)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/decision", "courier:c1", map[string]any{"action": "accept"}); code != 200 {
		t.Fatalf("accept: %d", code)
	}
	msg.Data = nil
	if err := conn.ReadJSON(&msg); err != nil || msg.Data["status"] != "active" {
		t.Fatalf("accept message: %v %+v", err, msg)
	}
	if code, _ := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/decision", "courier:c1", map[string]any{"action": "stop"}); code != 200 {
		t.Fatalf("stop: %d", code)
	}
	msg.Data = nil
	if err := conn.ReadJSON(&msg); err != nil || msg.Data["status"] != "expired" {
		t.Fatalf("stop message: %v %+v", err, msg)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("want normal close, got %v", err)
	}
}

func TestRequestCooldown(t *testing.T) {
	s, clk := newTestServer(t)
	h := s.Handler()
	create := func(token string, body map[string]any) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(b))
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	ok := map[string]any{"courierId": "c1", "lat": 1, "lng": 1}

	if rr := create("recipient:r1", ok); rr.Code != http.StatusCreated {
		t.Fatalf("first request: %d %s", rr.Code, rr.Body.String())
	}
	rr := create("recipient:r1", ok)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "30" {
		t.Fatalf("second request: want 429 Retry-After 30, got %d %q", rr.Code, rr.Header().Get("Retry-After"))
	}
	// recipients are limited independently
	if rr := create("recipient:r2", ok); rr.Code != http.StatusCreated {
		t.Fatalf("other recipient: %d", rr.Code)
	}
	// rejected requests leave the cooldown unused
	if rr := create("recipient:r3", map[string]any{"courierId": "c1", "lat": 95, "lng": 1}); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad latitude: %d", rr.Code)
	}
	if rr := create("recipient:r3", map[string]any{"lat": 1, "lng": 1}); rr.Code != http.StatusBadRequest {
		t.Fatalf("no courier: %d", rr.Code)
	}
	if rr := create("recipient:r3", ok); rr.Code != http.StatusCreated {
		t.Fatalf("after rejections: %d %s", rr.Code, rr.Body.String())
	}

	clk.Advance(30 * time.Second)
	if rr := create("recipient:r1", ok); rr.Code != http.StatusCreated {
		t.Fatalf("after cooldown: %d", rr.Code)
	}

	off, _ := newTestServer(t, func(c *config.Config) { c.Rate.RequestCooldown = 0 })
	for i := 0; i < 3; i++ {
		if code, _ := call(t, off.Handler(), http.MethodPost, "/v1/sessions", "recipient:r1", ok); code != http.StatusCreated {
			t.Fatalf("cooldown disabled, request %d: %d", i, code)
		}
	}
}

func TestDecisionMinutesClamped(t *testing.T) {
	s, clk := newTestServer(t, func(c *config.Config) { c.Rate.RequestCooldown = 0 })
	h := s.Handler()
	cases := []struct {
		body map[string]any
		want time.Duration
	}{
		{map[string]any{"action": "accept", "minutes": 0}, time.Minute},
		{map[string]any{"action": "accept", "minutes": -5}, time.Minute},
		{map[string]any{"action": "accept", "minutes": 90}, 25 * time.Minute},
		{map[string]any{"action": "accept"}, 25 * time.Minute},
	}
	for _, tc := range cases {
		sid := createPending(t, h)
		code, body := call(t, h, http.MethodPost, "/v1/sessions/"+sid+"/decision", "courier:c1", tc.body)
		if code != 200 {
			t.Fatalf("%v: %d %v", tc.body, code, body)
		}
		if want := float64(clk.Now().Add(tc.want).UnixMilli()); body["expiresAtMs"] != want {
			t.Fatalf("%v: want expiresAtMs %v got %v", tc.body, want, body["expiresAtMs"])
		}
	}
}
