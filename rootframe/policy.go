package rootframe

import (
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/camsolve/camsolve/scene"
)

// TieBreak picks between frames with equal marker coverage.
type TieBreak int

const (
	// Earliest prefers the lower frame number.
	Earliest TieBreak = iota
	// Latest prefers the higher frame number.
	Latest
)

// ParseTieBreak parses "earliest" or "latest".
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(s) {
	case "", "earliest":
		return Earliest, nil
	case "latest":
		return Latest, nil
	}
	return Earliest, errors.Errorf("unknown root frame tie break %q", s)
}

func (t TieBreak) String() string {
	if t == Latest {
		return "latest"
	}
	return "earliest"
}

// MarshalText implements encoding.TextMarshaler.
func (t TieBreak) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TieBreak) UnmarshalText(text []byte) error {
	parsed, err := ParseTieBreak(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// JSONSchema describes a tie break in option files.
func (TieBreak) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Enum: []interface{}{Earliest.String(), Latest.String()}}
}

// Coverage answers which markers are enabled on which frames.
type Coverage interface {
	EnabledMarkers(frame scene.FrameID) []scene.MarkerID
	EnabledFrames(marker scene.MarkerID) []scene.FrameID
	MarkerIDs() []scene.MarkerID
}

// Policy builds the root frame list as the union of user frames, a uniform subdivision of the
// range and, for every marker, enough frames that it is seen on at least PerMarker roots.
type Policy struct {
	UserFrames []scene.FrameID
	// Step is the uniform subdivision step; zero disables it.
	Step int
	// PerMarker is the minimum number of root frames each marker should be enabled on.
	PerMarker int
	TieBreak  TieBreak
}

// RootFrames returns the sorted, deduplicated root frames within [start, end].
func (p Policy) RootFrames(cov Coverage, start, end scene.FrameID) []scene.FrameID {
	inRange := func(f scene.FrameID) bool { return f >= start && f <= end }
	roots := map[scene.FrameID]bool{}
	for _, f := range p.UserFrames {
		if inRange(f) {
			roots[f] = true
		}
	}
	if p.Step > 0 {
		for f := start; f <= end; f += scene.FrameID(p.Step) {
			roots[f] = true
		}
		roots[end] = true
	}
	if p.PerMarker > 0 {
		for _, marker := range cov.MarkerIDs() {
			frames := lo.Filter(cov.EnabledFrames(marker), func(f scene.FrameID, _ int) bool { return inRange(f) })
			p.addMarkerFrames(cov, frames, roots)
		}
	}
	out := lo.Keys(roots)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// addMarkerFrames splits a marker's enabled frames into PerMarker segments and, for each segment
// without a root, adds the frame with the most enabled markers.
func (p Policy) addMarkerFrames(cov Coverage, frames []scene.FrameID, roots map[scene.FrameID]bool) {
	if len(frames) == 0 {
		return
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	if lo.CountBy(frames, func(f scene.FrameID) bool { return roots[f] }) >= p.PerMarker {
		return
	}
	segments := min(p.PerMarker, len(frames))
	for s := 0; s < segments; s++ {
		segment := frames[s*len(frames)/segments : (s+1)*len(frames)/segments]
		if lo.SomeBy(segment, func(f scene.FrameID) bool { return roots[f] }) {
			continue
		}
		roots[p.bestCovered(cov, segment)] = true
	}
}

func (p Policy) bestCovered(cov Coverage, frames []scene.FrameID) scene.FrameID {
	best := frames[0]
	bestCount := len(cov.EnabledMarkers(best))
	for _, f := range frames[1:] {
		count := len(cov.EnabledMarkers(f))
		if count > bestCount || (count == bestCount && p.TieBreak == Latest) {
			best, bestCount = f, count
		}
	}
	return best
}
