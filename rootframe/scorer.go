// Package rootframe scores frames by marker coverage and picks the root frames, the seed frame
// and the order in which frames join an incremental solve.
package rootframe

import (
	"math"

	"github.com/golang/geo/r2"

	"github.com/camsolve/camsolve/scene"
)

// pyramidLevels is the number of binning levels; level L splits the image into 2^L x 2^L bins.
const pyramidLevels = 3

// Score rates how well a set of marker positions covers the [-0.5, 0.5]² image square. Each
// pyramid level contributes its number of occupied bins weighted by 2^L; the sum is multiplied by
// the number of markers. Positions outside the square count toward the nearest border bin.
func Score(positions []r2.Point) int {
	if len(positions) == 0 {
		return 0
	}
	total := 0
	for level := 0; level < pyramidLevels; level++ {
		bins := 1 << level
		occupied := make(map[int]struct{}, len(positions))
		for _, p := range positions {
			occupied[binIndex(p.Y, bins)*bins+binIndex(p.X, bins)] = struct{}{}
		}
		total += len(occupied) * bins
	}
	return total * len(positions)
}

func binIndex(coord float64, bins int) int {
	if math.IsNaN(coord) {
		return 0
	}
	i := int(math.Floor((coord + 0.5) * float64(bins)))
	if i < 0 {
		return 0
	}
	if i >= bins {
		return bins - 1
	}
	return i
}

// FrameScore is a frame paired with a score.
type FrameScore struct {
	Frame scene.FrameID
	Score int
}
