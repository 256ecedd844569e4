// Package bundleadjust refines camera poses, bundle positions and intrinsics by minimizing the
// weighted reprojection error of marker observations. Solvable quantities are described by a
// dense attribute table; each scalar parameter carries bounds and the offset and scale that map
// it into the solver's numerical range.
package bundleadjust

import (
	"fmt"
	"math"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/camsolve/camsolve/scene"
)

// Kind is a solvable attribute kind.
type Kind int

// The solvable attribute kinds.
const (
	BundlePosition Kind = iota
	CameraTranslation
	CameraRotation
	FocalLength
	LensDistortion
	numKinds
)

// Descriptor holds the defaults of an attribute kind. A parameter value v is solved as
// (v − Offset) / Scale within [Min, Max].
type Descriptor struct {
	Name string
	// Components is the number of scalars per instance, zero when it depends on the lens model.
	Components int
	// Animated attributes have one instance per frame.
	Animated bool
	Min      float64
	Max      float64
	Offset   float64
	Scale    float64
}

var descriptors = [numKinds]Descriptor{
	BundlePosition:    {Name: "bundle_position", Components: 3, Min: -1e5, Max: 1e5, Scale: 1},
	CameraTranslation: {Name: "camera_translation", Components: 3, Animated: true, Min: -1e5, Max: 1e5, Scale: 1},
	CameraRotation:    {Name: "camera_rotation", Components: 3, Animated: true, Min: -1e6, Max: 1e6, Scale: 180 / math.Pi},
	FocalLength:       {Name: "focal_length", Components: 1, Min: 0.1, Max: 1e4, Scale: 10},
	LensDistortion:    {Name: "lens_distortion", Min: -10, Max: 10, Scale: 0.1},
}

// Descriptor returns the table entry of the kind.
func (k Kind) Descriptor() Descriptor {
	if k < 0 || k >= numKinds {
		return Descriptor{}
	}
	return descriptors[k]
}

func (k Kind) String() string {
	if d := k.Descriptor(); d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Attribute is one scalar solve parameter.
type Attribute struct {
	Kind Kind
	// Frame is set for per-frame instances.
	Frame    scene.FrameID
	Animated bool
	Bundle   scene.BundleID
	// Index is the vector component or the lens parameter index.
	Index  int
	Min    float64
	Max    float64
	Offset float64
	Scale  float64
}

func newAttribute(kind Kind, index int) Attribute {
	d := kind.Descriptor()
	return Attribute{Kind: kind, Index: index, Animated: d.Animated, Min: d.Min, Max: d.Max, Offset: d.Offset, Scale: d.Scale}
}

func (a Attribute) toInternal(v float64) float64 {
	return (v - a.Offset) / a.Scale
}

func (a Attribute) toValue(x float64) float64 {
	return x*a.Scale + a.Offset
}

func (a Attribute) String() string {
	switch a.Kind {
	case BundlePosition:
		return fmt.Sprintf("%v[%d].%c", a.Kind, a.Bundle, "xyz"[a.Index])
	case CameraTranslation, CameraRotation:
		return fmt.Sprintf("%v@%d.%c", a.Kind, a.Frame, "xyz"[a.Index])
	case FocalLength:
		if a.Animated {
			return fmt.Sprintf("%v@%d", a.Kind, a.Frame)
		}
		return a.Kind.String()
	default:
		return fmt.Sprintf("%v[%d]", a.Kind, a.Index)
	}
}

// Selection names the attribute groups a pass solves for.
type Selection struct {
	Bundles    bool
	Extrinsics bool
	Intrinsics bool
	Distortion bool
}

func (s Selection) empty() bool {
	return !s.Bundles && !s.Extrinsics && !s.Intrinsics && !s.Distortion
}

func (s Selection) String() string {
	var parts []string
	for _, p := range []struct {
		on   bool
		name string
	}{{s.Bundles, "bundles"}, {s.Extrinsics, "extrinsics"}, {s.Intrinsics, "intrinsics"}, {s.Distortion, "distortion"}} {
		if p.on {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// EvalMode selects how residuals read the scene.
type EvalMode int

const (
	// Internal evaluates on a private copy of the scene state read at pass entry.
	Internal EvalMode = iota
	// Host writes every trial state to the scene adapter and reads it back before evaluating.
	Host
)

func (m EvalMode) String() string {
	switch m {
	case Internal:
		return "internal"
	case Host:
		return "host"
	default:
		return fmt.Sprintf("EvalMode(%d)", int(m))
	}
}

// ParseEvalMode parses an evaluation mode name.
func ParseEvalMode(s string) (EvalMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "internal":
		return Internal, nil
	case "host", "dcc-host", "dcc":
		return Host, nil
	default:
		return Internal, errors.Errorf("unknown evaluation mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m EvalMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *EvalMode) UnmarshalText(text []byte) error {
	parsed, err := ParseEvalMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// JSONSchema describes an evaluation mode in option files.
func (EvalMode) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Enum: []interface{}{Internal.String(), Host.String()}}
}

// stage is one step of a staged refinement.
type stage struct {
	name     string
	sel      Selection
	fraction float64
}

// plan splits a pass into stages. Solving bundles together with extrinsics unlocks attributes
// gradually: bundles alone, then extrinsics, then intrinsics and distortion when requested.
func plan(sel Selection, perFrame bool) []stage {
	if perFrame || !(sel.Bundles && sel.Extrinsics) {
		return []stage{{name: sel.String(), sel: sel, fraction: 1}}
	}
	bundles := Selection{Bundles: true}
	extrinsics := Selection{Bundles: true, Extrinsics: true}
	if sel.Intrinsics || sel.Distortion {
		return []stage{
			{name: bundles.String(), sel: bundles, fraction: 0.1},
			{name: extrinsics.String(), sel: extrinsics, fraction: 0.4},
			{name: sel.String(), sel: sel, fraction: 0.5},
		}
	}
	return []stage{
		{name: bundles.String(), sel: bundles, fraction: 0.2},
		{name: extrinsics.String(), sel: extrinsics, fraction: 0.8},
	}
}

// stageIterations is the share of the budget a stage gets, at least one.
func stageIterations(total int, fraction float64) int {
	return max(int(math.Round(float64(total)*fraction)), 1)
}
