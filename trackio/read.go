package trackio

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.viam.com/utils"
)

// Read parses a track file of any version. A file starting with '{' is a structured record,
// anything else is version 1.
func Read(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading track file")
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty track file")
	}
	if trimmed[0] == '{' {
		return readRecord(trimmed)
	}
	return readV1(trimmed)
}

// ReadFile parses the track file at path.
func ReadFile(path string) (*File, error) {
	//nolint:gosec
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(file.Close)
	return Read(file)
}

func readRecord(data []byte) (*File, error) {
	var f File
	if err := json5.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing track record")
	}
	if f.Version < 2 || f.Version > LatestVersion {
		return nil, errors.Errorf("unsupported track file version %d", f.Version)
	}
	if f.NumPoints != len(f.Points) {
		return nil, errors.Errorf("track file declares %d points but holds %d", f.NumPoints, len(f.Points))
	}
	for i, p := range f.Points {
		for _, s := range p.PerFrame {
			if s.PosDist != nil && f.Version < 3 {
				return nil, errors.Errorf("point %d: pos_dist needs version 3, file is version %d", i, f.Version)
			}
		}
	}
	return &f, nil
}

// maxPrealloc caps the capacity reserved from a count read from a file. Longer lists still grow.
const maxPrealloc = 1 << 16

// readV1 parses the line oriented format: the point count, then for every point its name, its
// sample count and one "frame u v [weight]" line per sample.
func readV1(data []byte) (*File, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	next := func() (string, error) {
		for sc.Scan() {
			line++
			if text := strings.TrimSpace(sc.Text()); text != "" {
				return text, nil
			}
		}
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}
	nextInt := func(what string) (int, error) {
		text, err := next()
		if err != nil {
			return 0, errors.Wrapf(err, "reading %s", what)
		}
		n, err := strconv.Atoi(text)
		if err != nil {
			return 0, errors.Wrapf(err, "line %d: %s", line, what)
		}
		if n < 0 {
			return 0, errors.Errorf("line %d: negative %s %d", line, what, n)
		}
		return n, nil
	}

	numPoints, err := nextInt("point count")
	if err != nil {
		return nil, err
	}
	f := &File{Version: 1, NumPoints: numPoints, Points: make([]Point, 0, min(numPoints, maxPrealloc))}
	for i := 0; i < numPoints; i++ {
		name, err := next()
		if err != nil {
			return nil, errors.Wrapf(err, "reading name of point %d", i)
		}
		numFrames, err := nextInt("frame count")
		if err != nil {
			return nil, err
		}
		p := Point{Name: name, PerFrame: make([]Sample, 0, min(numFrames, maxPrealloc))}
		for j := 0; j < numFrames; j++ {
			text, err := next()
			if err != nil {
				return nil, errors.Wrapf(err, "reading sample %d of point %q", j, name)
			}
			s, err := parseSample(text)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			p.PerFrame = append(p.PerFrame, s)
		}
		f.Points = append(f.Points, p)
	}
	return f, nil
}

func parseSample(text string) (Sample, error) {
	fields := strings.Fields(text)
	if len(fields) != 3 && len(fields) != 4 {
		return Sample{}, errors.Errorf("want \"frame u v [weight]\", got %q", text)
	}
	frame, err := strconv.Atoi(fields[0])
	if err != nil {
		return Sample{}, errors.Wrap(err, "frame")
	}
	values := []float64{0, 0, 1}
	for i, field := range fields[1:] {
		if values[i], err = strconv.ParseFloat(field, 64); err != nil {
			return Sample{}, errors.Wrapf(err, "value %d", i+1)
		}
	}
	return Sample{Frame: frame, Pos: [2]float64{values[0], values[1]}, Weight: values[2]}, nil
}
