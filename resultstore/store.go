// Package resultstore keeps solve results in a SQLite database: one row per run with its frames
// and bundles.
package resultstore

import (
	"context"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/camsolve/camsolve/failure"
	"github.com/camsolve/camsolve/logging"
	"github.com/camsolve/camsolve/scene"
	"github.com/camsolve/camsolve/solver"
	"github.com/camsolve/camsolve/spatialmath"
)

// ErrRunNotFound is returned by Run for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// Store is an open result database.
type Store struct {
	db     *gorm.DB
	logger logging.Logger
}

// Open opens or creates the database at dsn and migrates its tables.
func Open(dsn string, logger logging.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening result database %q", dsn)
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, errors.Wrap(err, "migrating result database")
	}
	logger.Debugw("result database ready", "dsn", dsn)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun stores a summary together with the solved poses and the bundle positions read from
// adapter.
func (s *Store) SaveRun(ctx context.Context, name string, sum *solver.Summary, adapter scene.Adapter) (*Run, error) {
	run := &Run{
		Name:              name,
		Status:            string(sum.Status),
		StartFrame:        int(sum.Start),
		EndFrame:          int(sum.End),
		SeedFrame:         int(sum.Seed),
		SolvedFrames:      len(sum.SolvedFrames),
		FailedFrames:      len(sum.FailedFrames),
		AverageError:      sum.AverageError,
		ErrorStdDev:       sum.ErrorStdDev,
		MaxError:          sum.MaxError,
		WellSolvedBundles: sum.WellSolvedBundles,
		RejectedBundles:   sum.RejectedBundles,
		Iterations:        sum.Iterations(),
		Scale:             1,
	}
	var curve map[scene.FrameID]spatialmath.EulerZXY
	if sum.Normalization != nil {
		run.OriginFrame = int(sum.Normalization.Origin)
		run.Scale = sum.Normalization.Scale
		curve = sum.Normalization.Euler
	}

	for _, f := range sum.SolvedFrames {
		pose, err := adapter.Pose(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading pose on frame %d", f)
		}
		in, err := adapter.Intrinsics(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading intrinsics on frame %d", f)
		}
		e, ok := curve[f]
		if !ok {
			e = pose.Euler()
		}
		run.Frames = append(run.Frames, Frame{
			Frame:       int(f),
			Solved:      true,
			X:           pose.Translation.X,
			Y:           pose.Translation.Y,
			Z:           pose.Translation.Z,
			RX:          e.RX,
			RY:          e.RY,
			RZ:          e.RZ,
			FocalLength: in.FocalLength,
			Error:       sum.PerFrameError[f],
		})
	}
	for _, f := range sum.FailedFrames {
		kind := sum.Failures[f]
		if kind == failure.None {
			kind = failure.PoseEstimationFailed
		}
		run.Frames = append(run.Frames, Frame{Frame: int(f), Failure: kind.String()})
	}

	markers, err := adapter.Markers()
	if err != nil {
		return nil, errors.Wrap(err, "listing markers")
	}
	for _, m := range markers {
		pos, err := adapter.BundlePosition(m.Bundle)
		if err != nil {
			return nil, errors.Wrapf(err, "reading bundle %d", m.Bundle)
		}
		b := Bundle{Marker: m.Name}
		if scene.IsWellSolved(pos, -1e5, 1e5) {
			b.X, b.Y, b.Z, b.WellSolved = pos.X, pos.Y, pos.Z, true
		}
		run.Bundles = append(run.Bundles, b)
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, errors.Wrap(err, "saving run")
	}
	s.logger.Infow("run saved", "id", run.ID, "frames", len(run.Frames), "bundles", len(run.Bundles))
	return run, nil
}

// Runs lists every run, newest first, without frames and bundles.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).Order("id desc").Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	return runs, nil
}

// Run loads one run with its frames in frame order and its bundles.
func (s *Store) Run(ctx context.Context, id uint) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).
		Preload("Frames", func(db *gorm.DB) *gorm.DB { return db.Order("frame") }).
		Preload("Bundles").
		First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrRunNotFound, "id %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading run %d", id)
	}
	return &run, nil
}

// Delete removes a run and its rows.
func (s *Store) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", id).Delete(&Frame{}).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", id).Delete(&Bundle{}).Error; err != nil {
			return err
		}
		res := tx.Unscoped().Delete(&Run{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrRunNotFound, "id %d", id)
		}
		return nil
	})
}
