package target

import (
	"sort"

	"github.com/tiroq/skaner/internal/decoder"
)

// MultipleAdvisory is shown when several codes are visible at once.
const MultipleAdvisory = "Widać kilka kodów. Wyceluj dokładniej w jeden."

// Selection is the outcome of Select for one frame.
type Selection struct {
	Candidate decoder.Candidate
	OK        bool
	// Multiple is advisory only; a candidate is still chosen.
	Multiple bool
}

// Selector picks at most one candidate per frame.
type Selector struct {
	// Margin expands the region when checking a lone point-cloud candidate.
	Margin float64
}

// Select applies the disambiguation rules. hasRegion is false before the
// viewport is known; every spatial test then passes.
func (s Selector) Select(region decoder.Box, hasRegion bool, candidates []decoder.Candidate) Selection {
	switch len(candidates) {
	case 0:
		return Selection{}
	case 1:
		c := candidates[0]
		if c.Box == nil && len(c.Points) > 0 && hasRegion {
			centroid, _ := c.Centroid()
			if !region.Expand(s.Margin).Contains(centroid) {
				return Selection{}
			}
		}
		return Selection{Candidate: c, OK: true}
	}

	if !hasRegion {
		return Selection{Candidate: candidates[0], OK: true, Multiple: true}
	}

	type ranked struct {
		c          decoder.Candidate
		intersects bool
		geometry   bool
		dist       float64
	}
	center := region.Center()
	rs := make([]ranked, len(candidates))
	for i, c := range candidates {
		r := ranked{c: c}
		if centroid, ok := c.Centroid(); ok {
			r.geometry = true
			if c.Box != nil {
				r.intersects = c.Box.Intersects(region)
			} else {
				r.intersects = region.Contains(centroid)
			}
			dx, dy := centroid.X-center.X, centroid.Y-center.Y
			r.dist = dx*dx + dy*dy
		}
		rs[i] = r
	}
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.geometry != b.geometry {
			return a.geometry
		}
		if a.intersects != b.intersects {
			return a.intersects
		}
		return a.dist < b.dist
	})
	return Selection{Candidate: rs[0].c, OK: true, Multiple: true}
}
