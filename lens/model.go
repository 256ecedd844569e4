// Package lens describes the lens distortion models the solver accepts. Models are identified by
// fixed tags and carry an ordered parameter table; parameters are addressed by index.
package lens

import (
	"github.com/pkg/errors"
)

// Model is a lens distortion model.
type Model int

// The supported lens models. Values are stable and serialized by tag, never by number.
const (
	Classic Model = iota
	RadialStdDeg4
	AnamorphicStdDeg4
	AnamorphicStdDeg4Rescaled
	AnamorphicStdDeg6
	AnamorphicStdDeg6Rescaled
	AnamorphicDeg6
	numModels
)

// Attribute describes one parameter of a lens model.
type Attribute struct {
	Name    string
	Default float64
}

type descriptor struct {
	tag        string
	attributes []Attribute
}

var (
	anamorphicDeg4Terms = []Attribute{
		{"Cx02 - Degree 2", 0}, {"Cy02 - Degree 2", 0}, {"Cx22 - Degree 2", 0}, {"Cy22 - Degree 2", 0},
		{"Cx04 - Degree 4", 0}, {"Cy04 - Degree 4", 0}, {"Cx24 - Degree 4", 0}, {"Cy24 - Degree 4", 0},
		{"Cx44 - Degree 4", 0}, {"Cy44 - Degree 4", 0},
	}
	anamorphicDeg6Terms = append(append([]Attribute{}, anamorphicDeg4Terms...),
		Attribute{"Cx06 - Degree 6", 0}, Attribute{"Cy06 - Degree 6", 0},
		Attribute{"Cx26 - Degree 6", 0}, Attribute{"Cy26 - Degree 6", 0},
		Attribute{"Cx46 - Degree 6", 0}, Attribute{"Cy46 - Degree 6", 0},
		Attribute{"Cx66 - Degree 6", 0}, Attribute{"Cy66 - Degree 6", 0},
	)
	anamorphicStd = []Attribute{{"Lens Rotation", 0}, {"Squeeze-X", 1}, {"Squeeze-Y", 1}}
	rescale       = []Attribute{{"Rescale", 1}}
)

func concat(parts ...[]Attribute) []Attribute {
	var out []Attribute
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var descriptors = [numModels]descriptor{
	Classic: {"3de_classic", []Attribute{
		{"Distortion", 0}, {"Anamorphic Squeeze", 1}, {"Curvature X", 0}, {"Curvature Y", 0}, {"Quartic Distortion", 0},
	}},
	RadialStdDeg4: {"3de_radial_std_deg4", []Attribute{
		{"Distortion - Degree 2", 0}, {"U - Degree 2", 0}, {"V - Degree 2", 0},
		{"Quartic Distortion - Degree 4", 0}, {"U - Degree 4", 0}, {"V - Degree 4", 0},
		{"Phi - Cylindric Direction", 0}, {"B - Cylindric Bending", 0},
	}},
	AnamorphicStdDeg4:         {"3de_anamorphic_std_deg4", concat(anamorphicDeg4Terms, anamorphicStd)},
	AnamorphicStdDeg4Rescaled: {"3de_anamorphic_std_deg4_rescaled", concat(anamorphicDeg4Terms, anamorphicStd, rescale)},
	AnamorphicStdDeg6:         {"3de_anamorphic_std_deg6", concat(anamorphicDeg6Terms, anamorphicStd)},
	AnamorphicStdDeg6Rescaled: {"3de_anamorphic_std_deg6_rescaled", concat(anamorphicDeg6Terms, anamorphicStd, rescale)},
	AnamorphicDeg6:            {"3de_anamorphic_deg6", concat(anamorphicDeg6Terms)},
}

// Models returns every supported model in tag order.
func Models() []Model {
	out := make([]Model, 0, numModels)
	for m := Model(0); m < numModels; m++ {
		out = append(out, m)
	}
	return out
}

// ParseModel returns the model for a tag.
func ParseModel(tag string) (Model, error) {
	for m := Model(0); m < numModels; m++ {
		if descriptors[m].tag == tag {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown lens model %q", tag)
}

// Valid reports whether m is one of the supported models.
func (m Model) Valid() bool {
	return m >= 0 && m < numModels
}

func (m Model) String() string {
	if !m.Valid() {
		return "unknown"
	}
	return descriptors[m].tag
}

// MarshalText encodes the model as its tag.
func (m Model) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, errors.Errorf("invalid lens model %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a model tag.
func (m *Model) UnmarshalText(text []byte) error {
	parsed, err := ParseModel(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Attributes returns the ordered parameter table of the model.
func (m Model) Attributes() []Attribute {
	if !m.Valid() {
		return nil
	}
	return descriptors[m].attributes
}

// NumParameters returns the number of parameters of the model.
func (m Model) NumParameters() int {
	return len(m.Attributes())
}

// DefaultParameters returns the parameter vector of an undistorted lens.
func (m Model) DefaultParameters() []float64 {
	attrs := m.Attributes()
	out := make([]float64, len(attrs))
	for i, a := range attrs {
		out[i] = a.Default
	}
	return out
}

// AttributeIndex returns the index of a named parameter, or -1.
func (m Model) AttributeIndex(name string) int {
	for i, a := range m.Attributes() {
		if a.Name == name {
			return i
		}
	}
	return -1
}
