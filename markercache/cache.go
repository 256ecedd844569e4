// Package markercache reads every marker observation of a solve range from the scene once and
// indexes it by frame and by marker.
package markercache

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/camsolve/camsolve/rootframe"
	"github.com/camsolve/camsolve/scene"
)

type entry struct {
	position r2.Point
	weight   float64
}

// Cache is an immutable index of usable marker observations.
type Cache struct {
	fovMargin float64

	markers  []scene.Marker
	byID     map[scene.MarkerID]scene.Marker
	byFrame  map[scene.FrameID]map[scene.MarkerID]entry
	enabled  map[scene.FrameID][]scene.MarkerID
	frames   map[scene.MarkerID][]scene.FrameID
	observed int
}

// Build reads the observations of every marker on [start, end]. An observation is kept when it is
// enabled, positively weighted and inside the field of view window |u|,|v| <= 0.5 + fovMargin.
func Build(ctx context.Context, adapter scene.Adapter, start, end scene.FrameID, fovMargin float64) (*Cache, error) {
	if end < start {
		return nil, errors.Errorf("invalid frame range [%d, %d]", start, end)
	}
	markers, err := adapter.Markers()
	if err != nil {
		return nil, errors.Wrap(err, "listing markers")
	}
	c := &Cache{
		fovMargin: fovMargin,
		markers:   markers,
		byID:      make(map[scene.MarkerID]scene.Marker, len(markers)),
		byFrame:   map[scene.FrameID]map[scene.MarkerID]entry{},
		enabled:   map[scene.FrameID][]scene.MarkerID{},
		frames:    make(map[scene.MarkerID][]scene.FrameID, len(markers)),
	}
	limit := 0.5 + fovMargin
	for _, m := range markers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.byID[m.ID] = m
		for f := start; f <= end; f++ {
			obs, err := adapter.Observation(m.ID, f)
			if err != nil {
				return nil, errors.Wrapf(err, "reading marker %q on frame %d", m.Name, f)
			}
			if !obs.Usable() || math.Abs(obs.Position.X) > limit || math.Abs(obs.Position.Y) > limit {
				continue
			}
			perFrame, ok := c.byFrame[f]
			if !ok {
				perFrame = map[scene.MarkerID]entry{}
				c.byFrame[f] = perFrame
			}
			perFrame[m.ID] = entry{position: obs.Position, weight: obs.Weight}
			c.enabled[f] = append(c.enabled[f], m.ID)
			c.frames[m.ID] = append(c.frames[m.ID], f)
			c.observed++
		}
	}
	return c, nil
}

// Frames returns every frame of the range that has at least one enabled marker.
func (c *Cache) Frames() []scene.FrameID {
	out := lo.Keys(c.enabled)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NumObservations is the number of usable observations.
func (c *Cache) NumObservations() int {
	return c.observed
}

// Markers returns the markers in scene order.
func (c *Cache) Markers() []scene.Marker {
	return c.markers
}

// MarkerIDs returns the marker ids in scene order.
func (c *Cache) MarkerIDs() []scene.MarkerID {
	return lo.Map(c.markers, func(m scene.Marker, _ int) scene.MarkerID { return m.ID })
}

// Marker returns a marker by id.
func (c *Cache) Marker(id scene.MarkerID) (scene.Marker, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// EnabledMarkers returns the markers usable on frame, in scene order.
func (c *Cache) EnabledMarkers(frame scene.FrameID) []scene.MarkerID {
	return c.enabled[frame]
}

// Positions returns the usable marker positions on frame.
func (c *Cache) Positions(frame scene.FrameID) map[scene.MarkerID]r2.Point {
	out := make(map[scene.MarkerID]r2.Point, len(c.byFrame[frame]))
	for id, e := range c.byFrame[frame] {
		out[id] = e.position
	}
	return out
}

// Position returns one marker position.
func (c *Cache) Position(frame scene.FrameID, marker scene.MarkerID) (r2.Point, bool) {
	e, ok := c.byFrame[frame][marker]
	return e.position, ok
}

// Weight returns one observation weight; zero when the marker is not usable on frame.
func (c *Cache) Weight(frame scene.FrameID, marker scene.MarkerID) float64 {
	return c.byFrame[frame][marker].weight
}

// EnabledFrames returns the frames a marker is usable on, ascending.
func (c *Cache) EnabledFrames(marker scene.MarkerID) []scene.FrameID {
	return c.frames[marker]
}

// Shared returns the markers usable on both frames, in scene order.
func (c *Cache) Shared(a, b scene.FrameID) []scene.MarkerID {
	onB := c.byFrame[b]
	return lo.Filter(c.enabled[a], func(m scene.MarkerID, _ int) bool {
		_, ok := onB[m]
		return ok
	})
}

// PairScore scores the markers shared by two frames as the weaker of their coverage scores on
// either frame.
func (c *Cache) PairScore(a, b scene.FrameID, shared []scene.MarkerID) int {
	return min(c.score(a, shared), c.score(b, shared))
}

func (c *Cache) score(frame scene.FrameID, markers []scene.MarkerID) int {
	positions := make([]r2.Point, 0, len(markers))
	for _, m := range markers {
		if p, ok := c.Position(frame, m); ok {
			positions = append(positions, p)
		}
	}
	return rootframe.Score(positions)
}

// ConnectedFrameScores implements rootframe.Connectivity. Candidates closer than minDistance
// frames or sharing fewer than minShared markers with frameA are left out; the rest keep their
// input order.
func (c *Cache) ConnectedFrameScores(
	frameA scene.FrameID, candidates []scene.FrameID, minShared, minDistance int,
) []rootframe.FrameScore {
	var out []rootframe.FrameScore
	for _, f := range candidates {
		d := int(f - frameA)
		if d < 0 {
			d = -d
		}
		if d < minDistance || f == frameA {
			continue
		}
		shared := c.Shared(frameA, f)
		if len(shared) < minShared {
			continue
		}
		out = append(out, rootframe.FrameScore{Frame: f, Score: c.PairScore(frameA, f, shared)})
	}
	return out
}
