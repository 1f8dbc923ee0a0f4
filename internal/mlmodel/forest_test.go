// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package mlmodel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clusteredData builds a tight cluster around a base point with small
// deterministic jitter.
func clusteredData(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	base := []float64{45, 30, 60, 70, 10, 20}

	X := make([][]float64, n)
	for i := range X {
		row := make([]float64, len(base))
		for j, v := range base {
			row[j] = v + rng.NormFloat64()*2
		}
		X[i] = row
	}
	return X
}

func TestFitScaler(t *testing.T) {
	X := [][]float64{
		{0, 10},
		{2, 10},
		{4, 10},
	}

	s, err := FitScaler(X)
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 10}, s.Mean)
	// The constant second feature must not divide by zero.
	assert.Equal(t, 1.0, s.Std[1])

	scaled := s.Transform([]float64{2, 10})
	assert.Equal(t, []float64{0, 0}, scaled)
}

func TestFitScalerRejectsBadInput(t *testing.T) {
	_, err := FitScaler(nil)
	assert.Error(t, err)

	_, err = FitScaler([][]float64{{1, 2}, {1}})
	assert.Error(t, err)
}

func TestForestSeparatesOutlier(t *testing.T) {
	X := clusteredData(200, 7)
	forest := FitForest(X, 100, 256, 0.1, 42)

	inlier := []float64{45, 30, 60, 70, 10, 20}
	outlier := []float64{95, 99, 99, 99, 500, 500}

	assert.Greater(t, forest.AnomalyScore(outlier), forest.AnomalyScore(inlier))
	assert.Equal(t, -1, forest.RawLabel(outlier))
	assert.Equal(t, 1, forest.RawLabel(inlier))
}

func TestForestIsDeterministicForSeed(t *testing.T) {
	X := clusteredData(50, 3)

	a := FitForest(X, 20, 32, 0.1, 42)
	b := FitForest(X, 20, 32, 0.1, 42)
	c := FitForest(X, 20, 32, 0.1, 43)

	probe := []float64{45, 30, 60, 70, 10, 20}
	assert.Equal(t, a.AnomalyScore(probe), b.AnomalyScore(probe))
	assert.Equal(t, a.Offset, b.Offset)
	assert.NotEqual(t, a.AnomalyScore(probe), c.AnomalyScore(probe))
}

func TestForestContaminationBoundsTrainingOutliers(t *testing.T) {
	X := clusteredData(100, 11)
	forest := FitForest(X, 50, 64, 0.1, 42)

	flagged := 0
	for _, row := range X {
		if forest.RawLabel(row) == -1 {
			flagged++
		}
	}
	// Roughly a contamination-fraction of the training set is labelled
	// outlier; the quantile cut guarantees it cannot be wildly off.
	assert.LessOrEqual(t, flagged, 20)
}

func TestAvgPathLength(t *testing.T) {
	assert.Equal(t, 0.0, avgPathLength(0))
	assert.Equal(t, 0.0, avgPathLength(1))
	assert.InDelta(t, 0.154, avgPathLength(2), 0.001)
	assert.Greater(t, avgPathLength(256), avgPathLength(16))
}
