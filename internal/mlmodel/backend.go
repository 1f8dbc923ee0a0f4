// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package mlmodel // import "github.com/edgewatch/edgewatch/internal/mlmodel"

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Backend identifiers. Exactly one backend is live per process.
const (
	BackendOptimized = "optimized"
	BackendPortable  = "portable"
)

const (
	optimizedArtifactName = "model.cbor"
	portableArtifact      = "model.gob"
)

// ErrNoArtifact indicates that neither backend artifact could be loaded.
// Starting without one is not an error condition by itself.
var ErrNoArtifact = errors.New("no model artifact in either backend")

// Model is one live trained model. Predict is deterministic for a fixed
// artifact and returns the outlier flag (sentinels already normalized) and
// an anomaly score where higher means more anomalous.
type Model interface {
	Predict(features []float64) (outlier bool, score float64)
	Backend() string
}

// TrainOptions parameterizes a training run.
type TrainOptions struct {
	Trees         int
	SubsampleSize int
	Contamination float64
	Seed          int64
}

// Trained is a freshly fitted (scaler, forest) pair, not yet persisted.
type Trained struct {
	Scaler *Scaler
	Forest *Forest
}

// Train fits the scaler and forest jointly over the raw feature matrix.
func Train(X [][]float64, opts TrainOptions) (*Trained, error) {
	scaler, err := FitScaler(X)
	if err != nil {
		return nil, err
	}

	scaled := make([][]float64, len(X))
	for i, row := range X {
		scaled[i] = scaler.Transform(row)
	}

	forest := FitForest(scaled, opts.Trees, opts.SubsampleSize, opts.Contamination, opts.Seed)
	return &Trained{Scaler: scaler, Forest: forest}, nil
}

// Model returns an in-memory portable-backend view of the trained pair,
// usable before (or regardless of) persistence.
func (t *Trained) Model() Model {
	return &portableModel{scaler: t.Scaler, forest: t.Forest}
}

// Save persists the trained pair: the optimized export is preferred, the
// portable write happens only if that export fails. The asymmetry controls
// artifact size and which backend the next process instance loads.
func (t *Trained) Save(dir string, logger *zap.Logger) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}

	optErr := exportOptimized(dir, t)
	if optErr == nil {
		return BackendOptimized, nil
	}
	logger.Warn("optimized export failed, falling back to portable backend",
		zap.String("dir", dir),
		zap.Error(optErr))

	if err := writePortable(dir, t); err != nil {
		return "", fmt.Errorf("persist model: %w", err)
	}
	return BackendPortable, nil
}

// Load selects the live backend: optimized first, portable on any load
// error. Both failing yields ErrNoArtifact.
func Load(dir string, logger *zap.Logger) (Model, error) {
	model, optErr := loadOptimized(dir)
	if optErr == nil {
		logger.Info("loaded optimized model backend", zap.String("dir", dir))
		return model, nil
	}
	if !os.IsNotExist(optErr) {
		logger.Warn("optimized backend load failed", zap.Error(optErr))
	}

	model, portErr := loadPortable(dir)
	if portErr == nil {
		logger.Info("loaded portable model backend", zap.String("dir", dir))
		return model, nil
	}
	if !os.IsNotExist(portErr) {
		logger.Warn("portable backend load failed", zap.Error(portErr))
	}

	return nil, ErrNoArtifact
}
