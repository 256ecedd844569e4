package rootframe

import (
	"sort"

	"github.com/camsolve/camsolve/scene"
)

// Connectivity scores how well frames pair up with one another.
type Connectivity interface {
	// ConnectedFrameScores scores each candidate at least minDistance frames away from frameA that
	// shares at least minShared markers with it. Unconnected candidates are left out.
	ConnectedFrameScores(frameA scene.FrameID, candidates []scene.FrameID, minShared, minDistance int) []FrameScore
}

// SeedFrame returns the root frame whose average connectivity score over every other root is
// highest. Roots a frame cannot pair with count as zero, which favors broad coverage over one
// strong pair. Ties keep the earliest root in the input order.
func SeedFrame(conn Connectivity, roots []scene.FrameID, minShared, minDistance int) (scene.FrameID, bool) {
	if len(roots) < 2 {
		return 0, false
	}
	var best scene.FrameID
	bestAvg := -1.0
	for i, frame := range roots {
		others := make([]scene.FrameID, 0, len(roots)-1)
		others = append(others, roots[:i]...)
		others = append(others, roots[i+1:]...)
		scores := conn.ConnectedFrameScores(frame, others, minShared, minDistance)
		if len(scores) == 0 {
			continue
		}
		sum := 0
		for _, s := range scores {
			sum += s.Score
		}
		avg := float64(sum) / float64(len(others))
		if avg > bestAvg {
			best, bestAvg = frame, avg
		}
	}
	return best, bestAvg >= 0
}

// CandidatesByDistance returns the roots at least minDistance away from reference that skip does
// not exclude, ordered by ascending distance. Equal distances put the earlier frame first.
func CandidatesByDistance(
	reference scene.FrameID, roots []scene.FrameID, minDistance int, skip func(scene.FrameID) bool,
) []scene.FrameID {
	var out []scene.FrameID
	for _, f := range roots {
		if distance(f, reference) < minDistance || f == reference {
			continue
		}
		if skip != nil && skip(f) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := distance(out[i], reference), distance(out[j], reference)
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}

// NextFrame returns the closest root to reference that is not solved, not failed and at least
// minDistance away.
func NextFrame(
	reference scene.FrameID, roots []scene.FrameID, solved, failed map[scene.FrameID]bool, minDistance int,
) (scene.FrameID, bool) {
	candidates := CandidatesByDistance(reference, roots, minDistance, func(f scene.FrameID) bool {
		return solved[f] || failed[f]
	})
	if len(candidates) == 0 {
		return 0, false
	}
	return candidates[0], true
}

func distance(a, b scene.FrameID) int {
	d := int(a - b)
	if d < 0 {
		return -d
	}
	return d
}
