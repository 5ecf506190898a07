// Package decoder turns video frames into barcode candidates.
//
// Two backends sit behind the Decoder interface: Native shells out to the
// ZBar command line and reports every symbol it sees, Fallback runs the
// pure-Go gozxing UPC/EAN readers and reports at most one symbol per frame.
// Probe picks one of them once per scan session.
package decoder

import (
	"context"
	"image"
	"math"
)

// Kind identifies which backend produced a candidate.
type Kind string

const (
	KindNative   Kind = "native"
	KindFallback Kind = "fallback"
)

// Point is a position in the frame's native pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned rectangle in the frame's native pixel space.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the centroid of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Intersects reports whether the two boxes overlap with a non-zero area.
func (b Box) Intersects(o Box) bool {
	return b.X < o.X+o.Width && o.X < b.X+b.Width &&
		b.Y < o.Y+o.Height && o.Y < b.Y+b.Height
}

// Contains reports whether p lies inside the box, edges included.
func (b Box) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.X+b.Width && p.Y >= b.Y && p.Y <= b.Y+b.Height
}

// Expand grows the box by margin on every side.
func (b Box) Expand(margin float64) Box {
	return Box{X: b.X - margin, Y: b.Y - margin, Width: b.Width + 2*margin, Height: b.Height + 2*margin}
}

// BoundingBox returns the smallest box enclosing all points.
func BoundingBox(points []Point) (Box, bool) {
	if len(points) == 0 {
		return Box{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, true
}

// Candidate is one decoded reading from a single frame.
type Candidate struct {
	Text   string  `json:"text"`
	Format string  `json:"format"`
	Box    *Box    `json:"box,omitempty"`
	Points []Point `json:"points,omitempty"`
}

// Centroid returns the centre of the candidate's box, or of its point cloud
// when no box is known. ok is false when the candidate carries no geometry.
func (c Candidate) Centroid() (Point, bool) {
	if c.Box != nil {
		return c.Box.Center(), true
	}
	if len(c.Points) == 0 {
		return Point{}, false
	}
	var sx, sy float64
	for _, p := range c.Points {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(c.Points))
	return Point{X: sx / n, Y: sy / n}, true
}

// Decoder is the capability shared by both backends.
//
// DecodeFrame never fails: decode errors are reported as an empty result.
// Reset releases internal buffers; the owner calls it once when scanning stops.
type Decoder interface {
	Kind() Kind
	DecodeFrame(ctx context.Context, img image.Image) []Candidate
	Reset()
}
