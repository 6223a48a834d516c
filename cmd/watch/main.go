// Command watch requests live tracking of a courier and prints the smoothed marker
// position until the session ends or the process is interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bullyto/maps/internal/client"
	"github.com/bullyto/maps/internal/logging"
	"github.com/bullyto/maps/internal/model"
)

// consoleSurface prints marker moves at most once per interval.
type consoleSurface struct {
	out      io.Writer
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func (c *consoleSurface) SetMarker(p model.GeoPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.last) < c.interval {
		return
	}
	c.last = now
	fmt.Fprintf(c.out, "courier %.6f,%.6f\n", p.Lat, p.Lng)
}

func (c *consoleSurface) FitBounds(courier model.GeoPoint, self *model.GeoPoint) {
	if self == nil {
		fmt.Fprintf(c.out, "view centred on courier %.5f,%.5f\n", courier.Lat, courier.Lng)
		return
	}
	fmt.Fprintf(c.out, "view fits courier %.5f,%.5f and you %.5f,%.5f\n", courier.Lat, courier.Lng, self.Lat, self.Lng)
}

func (c *consoleSurface) Arrival(sessionID string) {
	fmt.Fprintf(c.out, "*** courier is almost there (session %s) ***\n", sessionID)
}

func (c *consoleSurface) StatusChanged(v model.StatusView) {
	if v.Status == model.StatusActive {
		fmt.Fprintf(c.out, "status %s, %ds left\n", v.Status, v.RemainingMs/1000)
		return
	}
	fmt.Fprintf(c.out, "status %s\n", v.Status)
}

func (c *consoleSurface) Hint(msg string) { fmt.Fprintln(c.out, "hint:", msg) }

func main() {
	base := flag.String("base", envOr("MAPS_URL", "http://localhost:8080"), "service base URL")
	token := flag.String("token", os.Getenv("MAPS_TOKEN"), "bearer token; dev mode default is recipient:<id>")
	recipient := flag.String("recipient", "", "recipient id (random when empty)")
	courier := flag.String("courier", "", "courier id (most recently active when empty)")
	lat := flag.Float64("lat", 42.6887, "your latitude")
	lng := flag.Float64("lng", 2.8948, "your longitude")
	label := flag.String("label", "", "address note for the courier")
	flag.Parse()

	log := logging.New("maps-watch", envOr("LOG_LEVEL", "warn"))
	if *recipient == "" {
		*recipient = uuid.NewString()
	}
	if *token == "" {
		*token = "recipient:" + *recipient
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(*base, *token)
	sess, err := api.RequestTracking(ctx, model.TrackingRequest{CourierID: *courier, Label: *label, Lat: *lat, Lng: *lng})
	if err != nil {
		fmt.Fprintln(os.Stderr, "request tracking:", err)
		os.Exit(1)
	}
	fmt.Printf("session %s requested from courier %s, waiting for a decision\n", sess.SessionID, sess.CourierID)

	surface := &consoleSurface{out: os.Stdout, interval: time.Second}
	tc := client.New(api, surface, client.StaticLocator{Lat: *lat, Lng: *lng}, client.DefaultConfig(), client.WithLogger(log))
	if err := tc.Start(ctx, sess.SessionID); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}
	select {
	case <-ctx.Done():
	case <-tc.Done():
	}
	tc.Stop()
	fmt.Printf("watch ended: %s\n", tc.Status())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
