// Package config holds the solve options, their defaults and their validation. Options are
// assembled by a Builder from key/value settings, usually read from a file with Load.
package config

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/camsolve/camsolve/bundleadjust"
	"github.com/camsolve/camsolve/leastsq"
	"github.com/camsolve/camsolve/rootframe"
)

// Options configure a solve. Frame options left at zero take their documented default: the
// first and last marker frames for the range and the start frame for the origin.
type Options struct {
	StartFrame  int     `mapstructure:"start_frame" json:"start_frame,omitempty"`
	EndFrame    int     `mapstructure:"end_frame" json:"end_frame,omitempty"`
	OriginFrame int     `mapstructure:"origin_frame" json:"origin_frame,omitempty"`
	SceneScale  float64 `mapstructure:"scene_scale" json:"scene_scale"`

	SolverVersion leastsq.Version `mapstructure:"solver_version" json:"solver_version"`
	SolverBackend leastsq.Backend `mapstructure:"solver_backend" json:"solver_backend"`

	BundleAdjustEveryNPoses int `mapstructure:"bundle_adjust_every_n_poses" json:"bundle_adjust_every_n_poses"`
	RootIterNum             int `mapstructure:"root_iter_num" json:"root_iter_num"`
	AnimIterNum             int `mapstructure:"anim_iter_num" json:"anim_iter_num"`
	BundleIterNum           int `mapstructure:"bundle_iter_num" json:"bundle_iter_num"`
	PerMarkerIterNum        int `mapstructure:"per_marker_iter_num" json:"per_marker_iter_num"`

	MinSharedMarkers int `mapstructure:"min_shared_markers" json:"min_shared_markers"`
	MinPairDistance  int `mapstructure:"min_pair_distance" json:"min_pair_distance"`

	TriangulationDirectionToleranceDeg float64 `mapstructure:"triangulation_direction_tolerance_deg" json:"triangulation_direction_tolerance_deg"`
	BundleValueMin                     float64 `mapstructure:"bundle_value_min" json:"bundle_value_min"`
	BundleValueMax                     float64 `mapstructure:"bundle_value_max" json:"bundle_value_max"`

	RootFrames []int `mapstructure:"root_frames" json:"root_frames,omitempty"`
	// RootFrameStep is the uniform root subdivision step. Nil means MinPairDistance, zero disables
	// the subdivision.
	RootFrameStep       *int                  `mapstructure:"root_frame_step" json:"root_frame_step,omitempty"`
	RootFramesPerMarker int                   `mapstructure:"root_frames_per_marker" json:"root_frames_per_marker"`
	RootFrameTieBreak   rootframe.TieBreak    `mapstructure:"root_frame_tie_break" json:"root_frame_tie_break"`
	SolveFocalLength    bool                  `mapstructure:"solve_focal_length" json:"solve_focal_length"`
	// RefineIntrinsicsPeriodically lets the periodic refinement of the root phase solve the focal
	// length too. It has no effect unless SolveFocalLength is set.
	RefineIntrinsicsPeriodically bool `mapstructure:"refine_intrinsics_periodically" json:"refine_intrinsics_periodically"`
	AnimateFocalLength  bool                  `mapstructure:"animate_focal_length" json:"animate_focal_length"`
	SolveLensDistortion bool                  `mapstructure:"solve_lens_distortion" json:"solve_lens_distortion"`
	FOVMargin           float64               `mapstructure:"fov_margin" json:"fov_margin"`
	EvalMode            bundleadjust.EvalMode `mapstructure:"eval_mode" json:"eval_mode"`
	FinalPassEvalMode   bundleadjust.EvalMode `mapstructure:"final_pass_eval_mode" json:"final_pass_eval_mode"`
	ParallelResiduals   bool                  `mapstructure:"parallel_residuals" json:"parallel_residuals"`

	RANSACIterations     int     `mapstructure:"ransac_iterations" json:"ransac_iterations"`
	RANSACThreshold      float64 `mapstructure:"ransac_threshold" json:"ransac_threshold"`
	RANSACMinInlierRatio float64 `mapstructure:"ransac_min_inlier_ratio" json:"ransac_min_inlier_ratio"`
	RANSACSeed           int64   `mapstructure:"ransac_seed" json:"ransac_seed"`
	MinParallaxDeg       float64 `mapstructure:"min_parallax_deg" json:"min_parallax_deg"`
	PnPMaxError          float64 `mapstructure:"pnp_max_error" json:"pnp_max_error"`

	XTolerance        float64 `mapstructure:"x_tolerance" json:"x_tolerance"`
	GradientTolerance float64 `mapstructure:"gradient_tolerance" json:"gradient_tolerance"`
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		SceneScale:                         1,
		SolverVersion:                      leastsq.V2,
		SolverBackend:                      leastsq.CMinpackLM,
		BundleAdjustEveryNPoses:            10,
		RootIterNum:                        100,
		AnimIterNum:                        10,
		BundleIterNum:                      25,
		PerMarkerIterNum:                   5,
		MinSharedMarkers:                   6,
		MinPairDistance:                    5,
		TriangulationDirectionToleranceDeg: 1,
		BundleValueMin:                     -1e5,
		BundleValueMax:                     1e5,
		RootFramesPerMarker:                2,
		RootFrameTieBreak:                  rootframe.Earliest,
		RefineIntrinsicsPeriodically:       true,
		EvalMode:                           bundleadjust.Internal,
		FinalPassEvalMode:                  bundleadjust.Host,
		ParallelResiduals:                  true,
		RANSACIterations:                   256,
		RANSACThreshold:                    0.01,
		RANSACMinInlierRatio:               0.5,
		RANSACSeed:                         1,
		MinParallaxDeg:                     1,
		PnPMaxError:                        0.01,
		XTolerance:                         1e-10,
		GradientTolerance:                  1e-12,
	}
}

// RootStep returns the effective uniform root subdivision step.
func (o Options) RootStep() int {
	if o.RootFrameStep == nil {
		return o.MinPairDistance
	}
	return *o.RootFrameStep
}

// PeriodicIntrinsics reports whether the periodic refinement solves intrinsics.
func (o Options) PeriodicIntrinsics() bool {
	return o.SolveFocalLength && o.RefineIntrinsicsPeriodically
}

// Validate reports every out of range option at once.
func (o Options) Validate(path string) error {
	var errs error
	check := func(ok bool, field, format string, args ...interface{}) {
		if !ok {
			errs = multierr.Append(errs, utils.NewConfigValidationError(join(path, field), errors.Errorf(format, args...)))
		}
	}
	check(o.StartFrame >= 0, "start_frame", "must not be negative, got %d", o.StartFrame)
	check(o.EndFrame >= 0, "end_frame", "must not be negative, got %d", o.EndFrame)
	check(o.EndFrame == 0 || o.EndFrame >= o.StartFrame, "end_frame", "must not precede start_frame %d, got %d",
		o.StartFrame, o.EndFrame)
	check(o.OriginFrame >= 0, "origin_frame", "must not be negative, got %d", o.OriginFrame)
	check(o.SceneScale > 0, "scene_scale", "must be positive, got %v", o.SceneScale)
	check(o.SolverVersion.Valid(), "solver_version", "must be 1 or 2, got %d", o.SolverVersion)
	_, backendErr := leastsq.ParseBackend(o.SolverBackend.String())
	check(backendErr == nil, "solver_backend", "unknown backend %d", int(o.SolverBackend))
	check(o.BundleAdjustEveryNPoses >= 1, "bundle_adjust_every_n_poses", "must be at least 1, got %d", o.BundleAdjustEveryNPoses)
	check(o.RootIterNum >= 0, "root_iter_num", "must not be negative, got %d", o.RootIterNum)
	check(o.AnimIterNum >= 0, "anim_iter_num", "must not be negative, got %d", o.AnimIterNum)
	check(o.BundleIterNum >= 0, "bundle_iter_num", "must not be negative, got %d", o.BundleIterNum)
	check(o.PerMarkerIterNum >= 0, "per_marker_iter_num", "must not be negative, got %d", o.PerMarkerIterNum)
	check(o.MinSharedMarkers >= 6, "min_shared_markers", "must be at least 6, got %d", o.MinSharedMarkers)
	check(o.MinPairDistance >= 1, "min_pair_distance", "must be at least 1, got %d", o.MinPairDistance)
	check(o.TriangulationDirectionToleranceDeg >= 0 && o.TriangulationDirectionToleranceDeg < 90,
		"triangulation_direction_tolerance_deg", "must be in [0, 90), got %v", o.TriangulationDirectionToleranceDeg)
	check(o.BundleValueMin < 0 && o.BundleValueMax > 0, "bundle_value_min",
		"bundle value range (%v, %v) must contain the origin", o.BundleValueMin, o.BundleValueMax)
	check(o.RootFrameStep == nil || *o.RootFrameStep >= 0, "root_frame_step", "must not be negative")
	check(o.RootFramesPerMarker >= 0, "root_frames_per_marker", "must not be negative, got %d", o.RootFramesPerMarker)
	check(o.FOVMargin >= 0, "fov_margin", "must not be negative, got %v", o.FOVMargin)
	check(o.RANSACIterations >= 1, "ransac_iterations", "must be at least 1, got %d", o.RANSACIterations)
	check(o.RANSACThreshold > 0, "ransac_threshold", "must be positive, got %v", o.RANSACThreshold)
	check(o.RANSACMinInlierRatio > 0 && o.RANSACMinInlierRatio <= 1, "ransac_min_inlier_ratio",
		"must be in (0, 1], got %v", o.RANSACMinInlierRatio)
	check(o.MinParallaxDeg >= 0, "min_parallax_deg", "must not be negative, got %v", o.MinParallaxDeg)
	check(o.PnPMaxError > 0, "pnp_max_error", "must be positive, got %v", o.PnPMaxError)
	check(o.XTolerance > 0, "x_tolerance", "must be positive, got %v", o.XTolerance)
	check(o.GradientTolerance > 0, "gradient_tolerance", "must be positive, got %v", o.GradientTolerance)
	for i, f := range o.RootFrames {
		check(f >= 0, "root_frames", "frame %d at index %d is negative", f, i)
	}
	return errs
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}
