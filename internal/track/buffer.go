// Package track turns sparse, jittery courier samples into continuous marker motion:
// a bounded sample buffer with adaptive playback delay, a resampler and a per-frame follower.
package track

import (
	"errors"
	"math"

	"github.com/bullyto/maps/internal/geo"
	"github.com/bullyto/maps/internal/model"
)

var (
	ErrNonFinite  = errors.New("track: non-finite sample")
	ErrOutOfOrder = errors.New("track: sample not newer than buffer")
	ErrOutlier    = errors.New("track: implied speed too high")
)

type Config struct {
	Capacity       int     `yaml:"capacity" validate:"gte=2"`
	MinDelayMs     int64   `yaml:"min_delay_ms" validate:"gte=0"`
	MaxDelayMs     int64   `yaml:"max_delay_ms" validate:"gtefield=MinDelayMs"`
	MaxSpeedMps    float64 `yaml:"max_speed_mps" validate:"gt=0"`
	OutlierFactor  float64 `yaml:"outlier_factor" validate:"gte=1"`
	PruneAfterMs   int64   `yaml:"prune_after_ms" validate:"gt=0"`
	StaleAfterMs   int64   `yaml:"stale_after_ms" validate:"gt=0"`
	IntervalWindow int     `yaml:"interval_window" validate:"gte=1"`
	MinIntervals   int     `yaml:"min_intervals" validate:"gte=1"`
	MaxIntervalMs  int64   `yaml:"max_interval_ms" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Capacity:       12,
		MinDelayMs:     2000,
		MaxDelayMs:     2600,
		MaxSpeedMps:    45,
		OutlierFactor:  2,
		PruneAfterMs:   20000,
		StaleAfterMs:   12000,
		IntervalWindow: 8,
		MinIntervals:   3,
		MaxIntervalMs:  30000,
	}
}

// Entry is one buffered sample: server time plus local receive time.
type Entry struct {
	Lat        float64
	Lng        float64
	ServerTs   int64
	ReceivedAt int64
}

// Mode tells which branch of the resampler produced a position.
type Mode int

const (
	ModeNone Mode = iota
	ModeSingle
	ModeBefore
	ModeInterpolate
	ModeExtrapolate
	ModeClamped
	ModeStale
	ModeHold
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeBefore:
		return "before"
	case ModeInterpolate:
		return "interp"
	case ModeExtrapolate:
		return "pred"
	case ModeClamped:
		return "pred_clamped"
	case ModeStale:
		return "stale"
	case ModeHold:
		return "hold"
	}
	return "none"
}

// Buffer is the per-courier sample ring together with its cadence, clock offset and
// velocity estimates. The zero value is not usable; call NewBuffer.
type Buffer struct {
	cfg       Config
	entries   []Entry
	intervals []int64
	lastRx    int64
	delayMs   int64
	offsetMs  int64
	vLat      float64 // deg/ms
	vLng      float64
	hasVel    bool
}

func NewBuffer(cfg Config) *Buffer {
	def := DefaultConfig()
	if cfg.Capacity < 2 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxSpeedMps <= 0 {
		cfg.MaxSpeedMps = def.MaxSpeedMps
	}
	if cfg.OutlierFactor < 1 {
		cfg.OutlierFactor = def.OutlierFactor
	}
	if cfg.MaxDelayMs <= 0 || cfg.MaxDelayMs < cfg.MinDelayMs {
		cfg.MinDelayMs, cfg.MaxDelayMs = def.MinDelayMs, def.MaxDelayMs
	}
	if cfg.PruneAfterMs <= 0 {
		cfg.PruneAfterMs = def.PruneAfterMs
	}
	if cfg.StaleAfterMs <= 0 {
		cfg.StaleAfterMs = def.StaleAfterMs
	}
	if cfg.IntervalWindow <= 0 {
		cfg.IntervalWindow = def.IntervalWindow
	}
	if cfg.MinIntervals <= 0 {
		cfg.MinIntervals = def.MinIntervals
	}
	if cfg.MaxIntervalMs <= 0 {
		cfg.MaxIntervalMs = def.MaxIntervalMs
	}
	b := &Buffer{cfg: cfg}
	b.Reset()
	return b
}

// Reset drops every sample and returns cadence state to its initial values.
func (b *Buffer) Reset() {
	b.entries = b.entries[:0]
	b.intervals = b.intervals[:0]
	b.lastRx = 0
	b.delayMs = b.cfg.MaxDelayMs
	b.offsetMs = 0
	b.vLat, b.vLng, b.hasVel = 0, 0, false
}

func (b *Buffer) Len() int { return len(b.entries) }
func (b *Buffer) DelayMs() int64 { return b.delayMs }
func (b *Buffer) OffsetMs() int64 { return b.offsetMs }
func (b *Buffer) Entries() []Entry { return append([]Entry(nil), b.entries...) }
func (b *Buffer) Config() Config { return b.cfg }

// Velocity returns the per-axis finite difference of the two newest samples in deg/ms.
func (b *Buffer) Velocity() (vLat, vLng float64, ok bool) { return b.vLat, b.vLng, b.hasVel }

// Newest returns the most recent buffered sample.
func (b *Buffer) Newest() (Entry, bool) {
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[len(b.entries)-1], true
}

// Add offers a sample received at local time receivedAt. Rejected samples leave the
// buffer, the cadence statistics and the velocity untouched.
func (b *Buffer) Add(lat, lng float64, serverTs, receivedAt int64) error {
	if !geo.Finite(lat, lng) {
		return ErrNonFinite
	}
	last, ok := b.Newest()
	if ok {
		if serverTs <= last.ServerTs {
			return ErrOutOfOrder
		}
		dt := serverTs - last.ServerTs
		speed := geo.HaversineM(last.Lat, last.Lng, lat, lng) / (float64(dt) / 1000)
		if speed > b.cfg.OutlierFactor*b.cfg.MaxSpeedMps {
			return ErrOutlier
		}
		b.vLat = (lat - last.Lat) / float64(dt)
		b.vLng = (lng - last.Lng) / float64(dt)
		b.hasVel = true
	}

	b.observeArrival(receivedAt)
	b.offsetMs = receivedAt - serverTs
	b.entries = append(b.entries, Entry{Lat: lat, Lng: lng, ServerTs: serverTs, ReceivedAt: receivedAt})
	if over := len(b.entries) - b.cfg.Capacity; over > 0 {
		b.entries = append(b.entries[:0], b.entries[over:]...)
	}
	return nil
}

// observeArrival feeds the inter-arrival interval into the adaptive playback delay.
func (b *Buffer) observeArrival(rx int64) {
	if b.lastRx != 0 {
		if dt := rx - b.lastRx; dt > 0 && dt < b.cfg.MaxIntervalMs {
			b.intervals = append(b.intervals, dt)
			if over := len(b.intervals) - b.cfg.IntervalWindow; over > 0 {
				b.intervals = append(b.intervals[:0], b.intervals[over:]...)
			}
		}
	}
	b.lastRx = rx
	if len(b.intervals) < b.cfg.MinIntervals {
		return
	}
	var sum int64
	for _, v := range b.intervals {
		sum += v
	}
	avg := float64(sum) / float64(len(b.intervals))
	target := clampInt(int64(math.Round(0.7*avg)), b.cfg.MinDelayMs, b.cfg.MaxDelayMs)
	b.delayMs = int64(math.Round(0.8*float64(b.delayMs) + 0.2*float64(target)))
}

// RenderTime maps local wall time to the courier-time instant the frame should draw.
func (b *Buffer) RenderTime(localNow int64) int64 {
	return localNow - b.offsetMs - b.delayMs
}

// Prune drops samples older than the prune window relative to renderTs.
// The newest sample is always kept.
func (b *Buffer) Prune(renderTs int64) {
	cut := renderTs - b.cfg.PruneAfterMs
	n := 0
	for n < len(b.entries)-1 && b.entries[n].ServerTs < cut {
		n++
	}
	if n > 0 {
		b.entries = append(b.entries[:0], b.entries[n:]...)
	}
}

// Resample returns the position at renderTs. It does not mutate the buffer.
func (b *Buffer) Resample(renderTs int64) (model.GeoPoint, Mode) {
	n := len(b.entries)
	switch {
	case n == 0:
		return model.GeoPoint{}, ModeNone
	case n == 1:
		e := b.entries[0]
		return model.GeoPoint{Lat: e.Lat, Lng: e.Lng}, ModeSingle
	}
	first, last := b.entries[0], b.entries[n-1]
	hold := model.GeoPoint{Lat: last.Lat, Lng: last.Lng}

	var p model.GeoPoint
	var mode Mode
	switch {
	case renderTs <= first.ServerTs:
		return model.GeoPoint{Lat: first.Lat, Lng: first.Lng}, ModeBefore
	case renderTs <= last.ServerTs:
		p, mode = b.interpolate(renderTs), ModeInterpolate
	default:
		p, mode = b.extrapolate(last, renderTs-last.ServerTs)
	}
	if !geo.Finite(p.Lat, p.Lng) {
		return hold, ModeHold
	}
	return p, mode
}

func (b *Buffer) interpolate(renderTs int64) model.GeoPoint {
	i := 0
	for i < len(b.entries)-2 && b.entries[i+1].ServerTs < renderTs {
		i++
	}
	a, c := b.entries[i], b.entries[i+1]
	dt := float64(c.ServerTs - a.ServerTs)
	u := clampFloat(float64(renderTs-a.ServerTs)/dt, 0, 1)
	// smoothstep peaks at 1.5x the segment's average speed; fall back to linear
	// where that peak would exceed the speed ceiling.
	avg := geo.HaversineM(a.Lat, a.Lng, c.Lat, c.Lng) / (dt / 1000)
	if 1.5*avg <= b.cfg.MaxSpeedMps {
		u = Smoothstep(u)
	}
	return model.GeoPoint{Lat: lerp(a.Lat, c.Lat, u), Lng: lerp(a.Lng, c.Lng, u)}
}

func (b *Buffer) extrapolate(last Entry, age int64) (model.GeoPoint, Mode) {
	hold := model.GeoPoint{Lat: last.Lat, Lng: last.Lng}
	if age > b.cfg.StaleAfterMs {
		return hold, ModeStale
	}
	if !b.hasVel {
		return hold, ModeHold
	}
	pred := model.GeoPoint{
		Lat: last.Lat + b.vLat*float64(age),
		Lng: last.Lng + b.vLng*float64(age),
	}
	dist := geo.HaversineM(last.Lat, last.Lng, pred.Lat, pred.Lng)
	speed := dist / math.Max(0.001, float64(age)/1000)
	if speed <= b.cfg.MaxSpeedMps {
		return pred, ModeExtrapolate
	}
	ratio := b.cfg.MaxSpeedMps / speed
	return model.GeoPoint{
		Lat: last.Lat + (pred.Lat-last.Lat)*ratio,
		Lng: last.Lng + (pred.Lng-last.Lng)*ratio,
	}, ModeClamped
}

// Smoothstep eases t in [0,1] with zero slope at both ends.
func Smoothstep(t float64) float64 { return t * t * (3 - 2*t) }

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
