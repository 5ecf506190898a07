// Package target maps the on-screen aiming rectangle into frame space and
// picks one barcode candidate per frame.
package target

import (
	"sync"

	"github.com/tiroq/skaner/internal/decoder"
)

// Default aiming rectangle as a fraction of the displayed viewport.
const (
	DefaultWidthFraction  = 0.8
	DefaultHeightFraction = 0.25
	DefaultMargin         = 24
)

// Viewport describes how a frame is shown: the rendered element size and
// the video's native size.
type Viewport struct {
	DisplayWidth  float64 `json:"display_width"`
	DisplayHeight float64 `json:"display_height"`
	VideoWidth    float64 `json:"video_width"`
	VideoHeight   float64 `json:"video_height"`
}

// Valid reports whether every dimension is positive.
func (v Viewport) Valid() bool {
	return v.DisplayWidth > 0 && v.DisplayHeight > 0 && v.VideoWidth > 0 && v.VideoHeight > 0
}

// ComputeRegion returns the aiming rectangle in video pixel coordinates.
// The video fills its element with "cover" scaling, so the visible part of
// the frame is centered and the rectangle is centered in it too.
func ComputeRegion(v Viewport, widthFrac, heightFrac float64) decoder.Box {
	if !v.Valid() {
		return decoder.Box{}
	}
	scale := v.DisplayWidth / v.VideoWidth
	if s := v.DisplayHeight / v.VideoHeight; s > scale {
		scale = s
	}
	w := v.DisplayWidth * widthFrac / scale
	h := v.DisplayHeight * heightFrac / scale
	return decoder.Box{
		X:      (v.VideoWidth - w) / 2,
		Y:      (v.VideoHeight - h) / 2,
		Width:  w,
		Height: h,
	}
}

// Tracker holds the latest viewport and recomputes the region lazily after
// each resize.
type Tracker struct {
	widthFrac  float64
	heightFrac float64

	mu       sync.Mutex
	viewport Viewport
	region   decoder.Box
	dirty    bool
}

// NewTracker creates a tracker; non-positive fractions fall back to the defaults.
func NewTracker(widthFrac, heightFrac float64) *Tracker {
	if widthFrac <= 0 || widthFrac > 1 {
		widthFrac = DefaultWidthFraction
	}
	if heightFrac <= 0 || heightFrac > 1 {
		heightFrac = DefaultHeightFraction
	}
	return &Tracker{widthFrac: widthFrac, heightFrac: heightFrac}
}

// Resize records a new viewport. The region is not computed until Region is
// called.
func (t *Tracker) Resize(v Viewport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v == t.viewport {
		return
	}
	t.viewport = v
	t.dirty = true
}

// SetVideoSize updates only the native frame size, keeping the display size.
// When no display size is known yet the frame is assumed shown 1:1.
func (t *Tracker) SetVideoSize(width, height int) {
	t.mu.Lock()
	v := t.viewport
	t.mu.Unlock()
	v.VideoWidth, v.VideoHeight = float64(width), float64(height)
	if v.DisplayWidth <= 0 || v.DisplayHeight <= 0 {
		v.DisplayWidth, v.DisplayHeight = v.VideoWidth, v.VideoHeight
	}
	t.Resize(v)
}

// Viewport returns the last recorded viewport.
func (t *Tracker) Viewport() Viewport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewport
}

// Region returns the current aiming rectangle and whether one is known.
func (t *Tracker) Region() (decoder.Box, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.viewport.Valid() {
		return decoder.Box{}, false
	}
	if t.dirty {
		t.region = ComputeRegion(t.viewport, t.widthFrac, t.heightFrac)
		t.dirty = false
	}
	return t.region, true
}
