package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/camsolve/camsolve/camera"
)

// defaultFocalLength is the focal length in mm used when a track file has no camera block.
const defaultFocalLength = 35.0

// printf writes a line to w, ignoring write errors.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	_, _ = fmt.Fprintf(w, format+"\n", a...)
}

// samePath returns true if abs(path1) and abs(path2) are the same.
func samePath(path1, path2 string) (bool, error) {
	abs1, err := filepath.Abs(path1)
	if err != nil {
		return false, err
	}
	abs2, err := filepath.Abs(path2)
	if err != nil {
		return false, err
	}
	return abs1 == abs2, nil
}

// parseFilmBack parses a "WIDTH,HEIGHT" film back in mm.
func parseFilmBack(raw string) (float64, float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("film back %q does not follow the format: width,height", raw)
	}
	w, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "film back width %q", parts[0])
	}
	h, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "film back height %q", parts[1])
	}
	return w, h, nil
}

// defaultIntrinsics builds the intrinsics used for track files without a camera block.
func defaultIntrinsics(focal float64, filmBack string) (camera.Intrinsics, error) {
	w, h, err := parseFilmBack(filmBack)
	if err != nil {
		return camera.Intrinsics{}, err
	}
	in := camera.Intrinsics{FocalLength: focal, FilmBackWidth: w, FilmBackHeight: h}
	if err := in.CheckValid(); err != nil {
		return camera.Intrinsics{}, err
	}
	return in, nil
}
