package track

import (
	"math"

	"github.com/bullyto/maps/internal/geo"
	"github.com/bullyto/maps/internal/model"
)

type RendererConfig struct {
	PollIntervalMs int64   `yaml:"poll_interval_ms" validate:"gt=0"`
	FollowMin      float64 `yaml:"follow_min" validate:"gt=0,lte=1"`
	FollowMax      float64 `yaml:"follow_max" validate:"gtefield=FollowMin,lte=1"`
	MinTauMs       float64 `yaml:"min_tau_ms" validate:"gt=0"`
	FitEveryMs     int64   `yaml:"fit_every_ms" validate:"gte=0"`
	FirstFrameMs   int64   `yaml:"first_frame_ms" validate:"gt=0"`
}

func DefaultRendererConfig() RendererConfig {
	return RendererConfig{
		PollIntervalMs: 3000,
		FollowMin:      0.03,
		FollowMax:      0.18,
		MinTauMs:       180,
		FitEveryMs:     12000,
		FirstFrameMs:   16,
	}
}

// GlideForPoll is the glide target for a poll interval: just under the interval,
// never above 2900 ms and never below 800 ms.
func GlideForPoll(pollMs int64) float64 {
	desired := 2900.0
	return clampFloat(desired, 800, math.Max(800, float64(pollMs)-80))
}

// Frame is what one render step asks the map surface to draw.
type Frame struct {
	Position model.GeoPoint
	Target   model.GeoPoint
	Mode     Mode
	Follow   float64
	// Snapped is set on the first fix, which jumps straight to the target.
	Snapped bool
	// Fit asks the surface to recentre; throttled so it does not fight user pan/zoom.
	Fit bool
}

// Renderer drives the displayed marker toward the resampled target with a first-order
// low-pass filter. It is not safe for concurrent use; one goroutine owns it.
type Renderer struct {
	buf       *Buffer
	cfg       RendererConfig
	glideMs   float64
	displayed model.GeoPoint
	hasFix    bool
	lastFrame int64
	lastFit   int64
	fitted    bool
}

func NewRenderer(buf *Buffer, cfg RendererConfig) *Renderer {
	def := DefaultRendererConfig()
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = def.PollIntervalMs
	}
	if cfg.FollowMin <= 0 || cfg.FollowMax < cfg.FollowMin {
		cfg.FollowMin, cfg.FollowMax = def.FollowMin, def.FollowMax
	}
	if cfg.MinTauMs <= 0 {
		cfg.MinTauMs = def.MinTauMs
	}
	if cfg.FirstFrameMs <= 0 {
		cfg.FirstFrameMs = def.FirstFrameMs
	}
	return &Renderer{buf: buf, cfg: cfg, glideMs: GlideForPoll(cfg.PollIntervalMs)}
}

func (r *Renderer) Buffer() *Buffer { return r.buf }

// Displayed returns the last drawn position.
func (r *Renderer) Displayed() (model.GeoPoint, bool) { return r.displayed, r.hasFix }

// SetPollInterval retunes the glide when the poll cadence changes.
func (r *Renderer) SetPollInterval(pollMs int64) {
	if pollMs > 0 {
		r.cfg.PollIntervalMs = pollMs
		r.glideMs = GlideForPoll(pollMs)
	}
}

// Reset forgets the displayed marker and clears the buffer.
func (r *Renderer) Reset() {
	r.buf.Reset()
	r.displayed = model.GeoPoint{}
	r.hasFix = false
	r.lastFrame = 0
	r.lastFit = 0
	r.fitted = false
}

// Step advances one frame at local time now. ok is false when there is nothing to draw.
func (r *Renderer) Step(now int64) (Frame, bool) {
	renderTs := r.buf.RenderTime(now)
	r.buf.Prune(renderTs)
	target, mode := r.buf.Resample(renderTs)
	if mode == ModeNone {
		return Frame{}, false
	}

	dt := r.cfg.FirstFrameMs
	if r.lastFrame != 0 {
		dt = now - r.lastFrame
	}
	if dt < 0 {
		dt = 0
	}
	r.lastFrame = now

	f := Frame{Target: target, Mode: mode}
	if !r.hasFix {
		r.displayed = target
		r.hasFix = true
		f.Snapped = true
		f.Follow = 1
	} else {
		tau := math.Max(r.cfg.MinTauMs, r.glideMs/3)
		f.Follow = clampFloat(float64(dt)/tau, r.cfg.FollowMin, r.cfg.FollowMax)
		next := model.GeoPoint{
			Lat: lerp(r.displayed.Lat, target.Lat, f.Follow),
			Lng: lerp(r.displayed.Lng, target.Lng, f.Follow),
		}
		if geo.Finite(next.Lat, next.Lng) {
			r.displayed = next
		}
	}
	f.Position = r.displayed

	if !r.fitted || now-r.lastFit >= r.cfg.FitEveryMs {
		f.Fit = true
		r.fitted = true
		r.lastFit = now
	}
	return f, true
}
