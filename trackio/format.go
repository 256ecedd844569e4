// Package trackio reads and writes 2D track files. Version 1 is line oriented; versions 2 to 5 are
// a JSON5 record. Positions in files are UV coordinates in [0, 1]; the scene uses the same space
// centered on the origin.
package trackio

// The file versions. Writers default to the latest.
const (
	MinVersion    = 1
	LatestVersion = 5
)

// File is a parsed track file.
type File struct {
	Version    int         `json:"version"`
	NumPoints  int         `json:"num_points"`
	Points     []Point     `json:"points"`
	Camera     *Camera     `json:"camera,omitempty"`
	Scene      *SceneInfo  `json:"scene,omitempty"`
	PointGroup *PointGroup `json:"point_group,omitempty"`
}

// Point is one track.
type Point struct {
	Name     string   `json:"name"`
	ID       *int     `json:"id"`
	SetName  *string  `json:"set_name"`
	PerFrame []Sample `json:"per_frame"`
	Bundle   *Bundle  `json:"3d,omitempty"`
}

// Sample is a track position on one frame. PosDist is the raw distorted position; when absent
// Pos serves as both.
type Sample struct {
	Frame   int         `json:"frame"`
	Pos     [2]float64  `json:"pos"`
	PosDist *[2]float64 `json:"pos_dist,omitempty"`
	Weight  float64     `json:"weight"`
}

// Distorted returns the raw distorted position.
func (s Sample) Distorted() [2]float64 {
	if s.PosDist != nil {
		return *s.PosDist
	}
	return s.Pos
}

// Bundle is the 3D position of a track. Nil coordinates are unknown.
type Bundle struct {
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Z     *float64 `json:"z"`
	XLock *bool    `json:"x_lock"`
	YLock *bool    `json:"y_lock"`
	ZLock *bool    `json:"z_lock"`
}

// Camera holds the camera block. Lengths are in centimetres.
type Camera struct {
	Resolution         [2]int        `json:"resolution"`
	FilmBackCm         [2]float64    `json:"film_back_cm"`
	LensCenterOffsetCm [2]float64    `json:"lens_center_offset_cm"`
	PerFrame           []FocalSample `json:"per_frame"`
}

// FocalSample is the focal length on one frame.
type FocalSample struct {
	Frame         int     `json:"frame"`
	FocalLengthCm float64 `json:"focal_length_cm"`
}

// SceneInfo holds the scene transform, row major.
type SceneInfo struct {
	Transform [16]float64 `json:"transform"`
}

// PointGroup holds the point group name, type and per frame transforms keyed by frame number.
type PointGroup struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Transform map[string][16]float64 `json:"transform"`
}
