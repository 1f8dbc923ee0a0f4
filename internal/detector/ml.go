// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package detector // import "github.com/edgewatch/edgewatch/internal/detector"

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/mlmodel"
	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// minTrainingSamples is the smallest training set Train accepts; fewer
// samples is a logged no-op, not a failure.
const minTrainingSamples = 10

// MLDetector wraps the learned outlier model. It starts from whichever
// backend artifact loads (optimized preferred) and degrades to an explicit
// untrained state when neither does; an untrained detector contributes no
// ML signal rather than failing the cycle.
type MLDetector struct {
	logger   *zap.Logger
	modelDir string
	opts     mlmodel.TrainOptions

	mu    sync.RWMutex
	model mlmodel.Model // nil while untrained
}

// NewMLDetector builds the detector and attempts the initial backend load.
func NewMLDetector(logger *zap.Logger, modelDir string, opts mlmodel.TrainOptions) *MLDetector {
	d := &MLDetector{
		logger:   logger,
		modelDir: modelDir,
		opts:     opts,
	}

	model, err := mlmodel.Load(modelDir, logger)
	switch {
	case err == nil:
		d.model = model
	case errors.Is(err, mlmodel.ErrNoArtifact):
		logger.Info("no model artifact found, starting untrained",
			zap.String("model_dir", modelDir))
	default:
		logger.Warn("model load failed, starting untrained", zap.Error(err))
	}

	return d
}

// Trained reports whether a model is live.
func (d *MLDetector) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model != nil
}

// Backend names the live backend encoding, or "" while untrained.
func (d *MLDetector) Backend() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.model == nil {
		return ""
	}
	return d.model.Backend()
}

// Predict scores one snapshot. While untrained it returns a clean
// no-signal verdict instead of an error.
func (d *MLDetector) Predict(snap *telemetry.Snapshot) telemetry.Verdict {
	d.mu.RLock()
	model := d.model
	d.mu.RUnlock()

	if model == nil {
		return telemetry.Verdict{Source: telemetry.SourceLocalModel}
	}

	outlier, score := model.Predict(snap.Features())
	if outlier {
		d.logger.Warn("model flagged anomaly",
			zap.String("device_id", snap.DeviceID),
			zap.Float64("score", score),
			zap.String("backend", model.Backend()))
	}

	return telemetry.Verdict{
		IsAnomaly: outlier,
		Score:     score,
		Source:    telemetry.SourceLocalModel,
	}
}

// Train fits a new model over the sample snapshots, persists it (optimized
// backend preferred) and swaps it in atomically. Below the minimum sample
// count it warns and leaves the current model untouched.
func (d *MLDetector) Train(samples []*telemetry.Snapshot) error {
	if len(samples) < minTrainingSamples {
		d.logger.Warn("not enough training data",
			zap.Int("samples", len(samples)),
			zap.Int("minimum", minTrainingSamples))
		return nil
	}

	X := make([][]float64, len(samples))
	for i, snap := range samples {
		X[i] = snap.Features()
	}

	trained, err := mlmodel.Train(X, d.opts)
	if err != nil {
		return err
	}

	// Keep the live encoding in sync with what was persisted: reload the
	// written artifact, fall back to the in-memory pair if persistence
	// failed (the next process instance then starts untrained).
	live := trained.Model()
	backend := live.Backend()
	if savedBackend, err := trained.Save(d.modelDir, d.logger); err != nil {
		d.logger.Error("model persistence failed", zap.Error(err))
	} else if savedBackend == mlmodel.BackendOptimized {
		if reloaded, err := mlmodel.Load(d.modelDir, d.logger); err == nil {
			live = reloaded
			backend = reloaded.Backend()
		}
	} else {
		backend = savedBackend
	}

	d.mu.Lock()
	d.model = live
	d.mu.Unlock()

	d.logger.Info("model trained",
		zap.Int("samples", len(samples)),
		zap.String("backend", backend))
	return nil
}
