// Package main runs a demo WebSocket client for session events against a dev-mode server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func post(base, path, token string, body any) map[string]any {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatal(err)
	}
	if out["ok"] != true {
		log.Fatalf("%s: %d %v", path, resp.StatusCode, out["error"])
	}
	return out
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	const recipient, courier = "recipient:demo-r", "courier:demo-c"

	sess := post(base, "/v1/sessions", recipient, map[string]any{"courierId": "demo-c", "lat": 42.6887, "lng": 2.8948})
	sessionID, _ := sess["sessionId"].(string)
	log.Printf("Session ID: %s", sessionID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/sessions/" + sessionID + "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Data))
		}
	}()

	// drive the session: accept, approach, stop
	time.Sleep(300 * time.Millisecond)
	post(base, "/v1/sessions/"+sessionID+"/decision", courier, map[string]any{"action": "accept", "minutes": 5})
	for i, lat := range []float64{42.700, 42.695, 42.690} {
		time.Sleep(time.Duration(i+1) * 200 * time.Millisecond)
		post(base, "/v1/courier/positions", courier, map[string]any{"lat": lat, "lng": 2.8948})
	}
	post(base, "/v1/sessions/"+sessionID+"/decision", courier, map[string]any{"action": "stop"})

	select {
	case <-time.After(3 * time.Second):
	case <-done:
	}
}
