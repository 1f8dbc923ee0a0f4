// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package mlmodel implements the learned outlier model: a standard scaler
// and an isolation forest, trained jointly and persisted in one of two
// backend encodings (optimized or portable).
package mlmodel // import "github.com/edgewatch/edgewatch/internal/mlmodel"

import (
	"fmt"
	"math"
)

// Scaler standardizes feature vectors to zero mean and unit variance,
// using the statistics of its training set.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// FitScaler computes per-feature mean and standard deviation over X.
func FitScaler(X [][]float64) (*Scaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("fit scaler: empty training set")
	}
	width := len(X[0])

	mean := make([]float64, width)
	for _, row := range X {
		if len(row) != width {
			return nil, fmt.Errorf("fit scaler: ragged row, want %d features got %d", width, len(row))
		}
		for i, v := range row {
			mean[i] += v
		}
	}
	n := float64(len(X))
	for i := range mean {
		mean[i] /= n
	}

	std := make([]float64, width)
	for _, row := range X {
		for i, v := range row {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / n)
		// Constant features scale to zero, not NaN.
		if std[i] == 0 {
			std[i] = 1
		}
	}

	return &Scaler{Mean: mean, Std: std}, nil
}

// Transform standardizes a single feature vector.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v - s.Mean[i]) / s.Std[i]
	}
	return out
}
