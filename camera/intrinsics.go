// Package camera projects world points into the centered, film-back normalized image space that
// marker observations live in, and back.
package camera

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrNoIntrinsics is when a camera does not have usable intrinsic parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intrinsics are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// Intrinsics are the per-frame intrinsic parameters of the camera. All lengths share one unit
// (millimetres by convention); only their ratios matter to the projection.
type Intrinsics struct {
	FocalLength    float64 `json:"focal_length"`
	FilmBackWidth  float64 `json:"film_back_width"`
	FilmBackHeight float64 `json:"film_back_height"`
	LensOffsetX    float64 `json:"lens_offset_x"`
	LensOffsetY    float64 `json:"lens_offset_y"`
}

// CheckValid checks if the fields for Intrinsics have valid inputs.
func (in *Intrinsics) CheckValid() error {
	if in == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if !(in.FocalLength > 0) || math.IsInf(in.FocalLength, 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length = %#v", in.FocalLength))
	}
	if !(in.FilmBackWidth > 0) || !(in.FilmBackHeight > 0) {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid film back (%#v, %#v)", in.FilmBackWidth, in.FilmBackHeight))
	}
	if math.IsNaN(in.LensOffsetX) || math.IsNaN(in.LensOffsetY) {
		return NewNoIntrinsicsError("Invalid lens offset")
	}
	return nil
}

// FocalX is the focal length in units of film-back width.
func (in Intrinsics) FocalX() float64 {
	return in.FocalLength / in.FilmBackWidth
}

// FocalY is the focal length in units of film-back height.
func (in Intrinsics) FocalY() float64 {
	return in.FocalLength / in.FilmBackHeight
}

// FieldOfView returns the horizontal and vertical angles of view in degrees.
func (in Intrinsics) FieldOfView() (float64, float64) {
	h := 2 * math.Atan(in.FilmBackWidth/(2*in.FocalLength)) * 180 / math.Pi
	v := 2 * math.Atan(in.FilmBackHeight/(2*in.FocalLength)) * 180 / math.Pi
	return h, v
}

// ImageToFocal converts a normalized image point to distorted focal-plane coordinates.
func (in Intrinsics) ImageToFocal(u, v float64) (float64, float64) {
	return (u*in.FilmBackWidth - in.LensOffsetX) / in.FocalLength, (v*in.FilmBackHeight - in.LensOffsetY) / in.FocalLength
}

// FocalToImage converts distorted focal-plane coordinates to a normalized image point.
func (in Intrinsics) FocalToImage(xd, yd float64) (float64, float64) {
	return (in.FocalLength*xd + in.LensOffsetX) / in.FilmBackWidth, (in.FocalLength*yd + in.LensOffsetY) / in.FilmBackHeight
}
