package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/multierr"
	"go.viam.com/test"

	"github.com/camsolve/camsolve/bundleadjust"
	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/rootframe"
)

func TestDefaults(t *testing.T) {
	opts := Default()
	test.That(t, opts.Validate(""), test.ShouldBeNil)
	test.That(t, opts.SolverVersion, test.ShouldEqual, leastsq.V2)
	test.That(t, opts.SolverBackend, test.ShouldEqual, leastsq.CMinpackLM)
	test.That(t, opts.RootStep(), test.ShouldEqual, 5)
	test.That(t, opts.EvalMode, test.ShouldEqual, bundleadjust.Internal)
	test.That(t, opts.FinalPassEvalMode, test.ShouldEqual, bundleadjust.Host)
	test.That(t, opts.RefineIntrinsicsPeriodically, test.ShouldBeTrue)
	test.That(t, opts.PeriodicIntrinsics(), test.ShouldBeFalse)

	built, err := NewBuilder().Build()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, built, test.ShouldResemble, opts)
}

func TestBuilder(t *testing.T) {
	opts, err := NewBuilder().
		Set("solver_version", "1").
		Set("solver_backend", "dogleg").
		Set("root_frame_tie_break", "latest").
		Set("final_pass_eval_mode", "internal").
		Set("scene_scale", "2.5").
		Set("root_frame_step", 0).
		Set("root_frames", []interface{}{3, "9"}).
		Set("solve_focal_length", "true").
		Build()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.SolverVersion, test.ShouldEqual, leastsq.V1)
	test.That(t, opts.SolverBackend, test.ShouldEqual, leastsq.Dogleg)
	test.That(t, opts.RootFrameTieBreak, test.ShouldEqual, rootframe.Latest)
	test.That(t, opts.FinalPassEvalMode, test.ShouldEqual, bundleadjust.Internal)
	test.That(t, opts.SceneScale, test.ShouldEqual, 2.5)
	test.That(t, opts.RootStep(), test.ShouldEqual, 0)
	test.That(t, opts.RootFrames, test.ShouldResemble, []int{3, 9})
	test.That(t, opts.SolveFocalLength, test.ShouldBeTrue)
	test.That(t, opts.PeriodicIntrinsics(), test.ShouldBeTrue)

	opts, err = NewBuilder().
		Set("solve_focal_length", true).
		Set("refine_intrinsics_periodically", "false").
		Build()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.SolveFocalLength, test.ShouldBeTrue)
	test.That(t, opts.PeriodicIntrinsics(), test.ShouldBeFalse)
}

func TestBuilderRejects(t *testing.T) {
	t.Run("unknown option", func(t *testing.T) {
		_, err := NewBuilder().Set("full_bake", true).Build()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "full_bake")
	})
	t.Run("bad enum", func(t *testing.T) {
		_, err := NewBuilder().Set("solver_backend", "gauss-newton").Build()
		test.That(t, err, test.ShouldNotBeNil)
		_, err = NewBuilder().Set("solver_version", "v3").Build()
		test.That(t, err, test.ShouldNotBeNil)
	})
	t.Run("every range violation", func(t *testing.T) {
		_, err := NewBuilder().
			Set("scene_scale", 0).
			Set("min_shared_markers", 2).
			Set("ransac_min_inlier_ratio", 1.5).
			Build()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, len(multierr.Errors(err)), test.ShouldEqual, 3)
		test.That(t, err.Error(), test.ShouldContainSubstring, "scene_scale")
		test.That(t, err.Error(), test.ShouldContainSubstring, "min_shared_markers")
		test.That(t, err.Error(), test.ShouldContainSubstring, "ransac_min_inlier_ratio")
	})
	t.Run("frame range", func(t *testing.T) {
		_, err := NewBuilder().Set("start_frame", 10).Set("end_frame", 4).Build()
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "end_frame")
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "solve.json")
	test.That(t, os.WriteFile(jsonPath, []byte(`{"scene_scale": 10, "solver_backend": "levmar", "anim_iter_num": 4}`), 0o600),
		test.ShouldBeNil)
	opts, err := Load(jsonPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.SceneScale, test.ShouldEqual, 10.0)
	test.That(t, opts.SolverBackend, test.ShouldEqual, leastsq.LevMar)
	test.That(t, opts.AnimIterNum, test.ShouldEqual, 4)
	test.That(t, opts.RootIterNum, test.ShouldEqual, 100)

	yamlPath := filepath.Join(dir, "solve.yaml")
	test.That(t, os.WriteFile(yamlPath, []byte("origin_frame: 12\neval_mode: host\n"), 0o600), test.ShouldBeNil)
	opts, err = Load(yamlPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.OriginFrame, test.ShouldEqual, 12)
	test.That(t, opts.EvalMode, test.ShouldEqual, bundleadjust.Host)

	badPath := filepath.Join(dir, "bad.toml")
	test.That(t, os.WriteFile(badPath, []byte("no_such_option = 1\n"), 0o600), test.ShouldBeNil)
	_, err = Load(badPath)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Load(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("CAMSOLVE_TEST_SCALE", "7.5")
	path := filepath.Join(t.TempDir(), "solve.yaml")
	test.That(t, os.WriteFile(path, []byte("scene_scale: ${CAMSOLVE_TEST_SCALE}\nmin_pair_distance: 3\n"), 0o600),
		test.ShouldBeNil)
	opts, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opts.SceneScale, test.ShouldEqual, 7.5)
	test.That(t, opts.MinPairDistance, test.ShouldEqual, 3)
}

func TestSchema(t *testing.T) {
	data, err := json.Marshal(Schema())
	test.That(t, err, test.ShouldBeNil)
	var doc struct {
		Title      string                            `json:"title"`
		Properties map[string]map[string]interface{} `json:"properties"`
	}
	test.That(t, json.Unmarshal(data, &doc), test.ShouldBeNil)
	test.That(t, doc.Title, test.ShouldEqual, "camsolve solve options")
	test.That(t, doc.Properties, test.ShouldContainKey, "scene_scale")
	test.That(t, doc.Properties, test.ShouldContainKey, "root_frame_step")
	test.That(t, doc.Properties["solver_backend"]["enum"], test.ShouldResemble,
		[]interface{}{"levmar", "cminpack-lm", "dogleg"})
	test.That(t, doc.Properties["eval_mode"]["type"], test.ShouldEqual, "string")
	test.That(t, doc.Properties["solver_version"]["enum"], test.ShouldResemble, []interface{}{1.0, 2.0})
}
