package lens

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestModelTags(t *testing.T) {
	tags := []string{
		"3de_classic",
		"3de_radial_std_deg4",
		"3de_anamorphic_std_deg4",
		"3de_anamorphic_std_deg4_rescaled",
		"3de_anamorphic_std_deg6",
		"3de_anamorphic_std_deg6_rescaled",
		"3de_anamorphic_deg6",
	}
	test.That(t, Models(), test.ShouldHaveLength, len(tags))
	for _, tag := range tags {
		t.Run(tag, func(t *testing.T) {
			m, err := ParseModel(tag)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, m.String(), test.ShouldEqual, tag)

			text, err := m.MarshalText()
			test.That(t, err, test.ShouldBeNil)
			var back Model
			test.That(t, back.UnmarshalText(text), test.ShouldBeNil)
			test.That(t, back, test.ShouldEqual, m)
			test.That(t, m.NumParameters(), test.ShouldBeGreaterThan, 0)
			test.That(t, m.DefaultParameters(), test.ShouldHaveLength, m.NumParameters())
		})
	}
	_, err := ParseModel("brown_conrady")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Model(99).String(), test.ShouldEqual, "unknown")
}

func TestAttributeTables(t *testing.T) {
	test.That(t, Classic.NumParameters(), test.ShouldEqual, 5)
	test.That(t, RadialStdDeg4.NumParameters(), test.ShouldEqual, 8)
	test.That(t, AnamorphicStdDeg4.NumParameters(), test.ShouldEqual, 13)
	test.That(t, AnamorphicStdDeg4Rescaled.NumParameters(), test.ShouldEqual, 14)
	test.That(t, AnamorphicStdDeg6.NumParameters(), test.ShouldEqual, 21)
	test.That(t, AnamorphicStdDeg6Rescaled.NumParameters(), test.ShouldEqual, 22)
	test.That(t, AnamorphicDeg6.NumParameters(), test.ShouldEqual, 18)
	test.That(t, Classic.AttributeIndex("Quartic Distortion"), test.ShouldEqual, 4)
	test.That(t, Classic.AttributeIndex("nope"), test.ShouldEqual, -1)
	test.That(t, Classic.DefaultParameters()[1], test.ShouldEqual, 1.0)
}

func TestDistorterRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		model  Model
		params []float64
	}{
		{Classic, []float64{-0.08, 1, 0.01, -0.02, 0.004}},
		{RadialStdDeg4, []float64{0.05, 0.001, -0.002, -0.01, 0.0005, 0.0002}},
	} {
		t.Run(tc.model.String(), func(t *testing.T) {
			d, err := NewDistorter(tc.model, tc.params)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, d.Parameters(), test.ShouldHaveLength, tc.model.NumParameters())
			for _, pt := range [][2]float64{{0, 0}, {0.3, -0.2}, {-0.45, 0.4}, {0.1, 0.5}} {
				xd, yd := d.Distort(pt[0], pt[1])
				if pt[0] != 0 || pt[1] != 0 {
					test.That(t, math.Hypot(xd-pt[0], yd-pt[1]), test.ShouldBeGreaterThan, 0)
				}
				xu, yu := d.Undistort(xd, yd)
				test.That(t, xu, test.ShouldAlmostEqual, pt[0], 1e-9)
				test.That(t, yu, test.ShouldAlmostEqual, pt[1], 1e-9)
			}
		})
	}
}

func TestDistorterDefaultsAndPassThrough(t *testing.T) {
	d, err := NewDistorter(Classic, nil)
	test.That(t, err, test.ShouldBeNil)
	x, y := d.Distort(0.3, 0.2)
	test.That(t, x, test.ShouldEqual, 0.3)
	test.That(t, y, test.ShouldEqual, 0.2)

	d, err = NewDistorter(AnamorphicDeg6, []float64{0.5})
	test.That(t, err, test.ShouldBeNil)
	x, y = d.Undistort(0.1, -0.1)
	test.That(t, x, test.ShouldEqual, 0.1)
	test.That(t, y, test.ShouldEqual, -0.1)
	test.That(t, d.Parameters()[0], test.ShouldEqual, 0.5)

	_, err = NewDistorter(Classic, make([]float64, 6))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewDistorter(Classic, []float64{math.NaN()})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewDistorter(Model(-1), nil)
	test.That(t, err, test.ShouldNotBeNil)
}
