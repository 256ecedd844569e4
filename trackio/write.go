package trackio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Write emits f at the given version, or at LatestVersion when version is zero. Blocks the
// version does not know are left out.
func Write(w io.Writer, f *File, version int) error {
	if version == 0 {
		version = LatestVersion
	}
	if version < MinVersion || version > LatestVersion {
		return errors.Errorf("unsupported track file version %d", version)
	}
	if version == 1 {
		return writeV1(w, f)
	}
	out := downgrade(f, version)
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding track record")
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "writing track record")
	}
	return nil
}

// WriteFile writes f to path.
func WriteFile(path string, f *File, version int) (err error) {
	//nolint:gosec
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()
	return Write(file, f, version)
}

func downgrade(f *File, version int) File {
	out := File{Version: version, NumPoints: len(f.Points), Points: make([]Point, len(f.Points))}
	for i, p := range f.Points {
		q := p
		q.PerFrame = make([]Sample, len(p.PerFrame))
		for j, s := range p.PerFrame {
			if version < 3 {
				s.PosDist = nil
			}
			q.PerFrame[j] = s
		}
		if version < 3 {
			q.Bundle = nil
		}
		out.Points[i] = q
	}
	if version >= 4 {
		out.Camera = f.Camera
	}
	if version >= 5 {
		out.Scene = f.Scene
		out.PointGroup = f.PointGroup
	}
	return out
}

func writeV1(w io.Writer, f *File) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, len(f.Points))
	for _, p := range f.Points {
		fmt.Fprintln(bw, p.Name)
		fmt.Fprintln(bw, len(p.PerFrame))
		for _, s := range p.PerFrame {
			fmt.Fprintf(bw, "%d %s %s %s\n", s.Frame, formatFloat(s.Pos[0]), formatFloat(s.Pos[1]), formatFloat(s.Weight))
		}
	}
	return errors.Wrap(bw.Flush(), "writing track file")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
