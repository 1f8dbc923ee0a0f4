// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package detector holds the two local anomaly detectors: the stateless
// rule evaluator over a mutable threshold set, and the learned-model
// detector with its training and fallback logic.
package detector // import "github.com/edgewatch/edgewatch/internal/detector"

import (
	"sync"

	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// ThresholdDetector evaluates snapshots against configured per-metric
// bounds. Detection is a pure function over present values; missing metrics
// are skipped, never treated as violations.
type ThresholdDetector struct {
	logger *zap.Logger

	mu         sync.RWMutex
	thresholds telemetry.ThresholdSet
}

// NewThresholdDetector builds a detector over the given threshold set.
func NewThresholdDetector(logger *zap.Logger, thresholds telemetry.ThresholdSet) *ThresholdDetector {
	if thresholds == nil {
		thresholds = telemetry.ThresholdSet{}
	}
	return &ThresholdDetector{
		logger:     logger,
		thresholds: thresholds.Clone(),
	}
}

// Detect flags every metric present in both the snapshot and the threshold
// set that falls outside its bounds. The verdict's score is the violation
// count.
func (d *ThresholdDetector) Detect(snap *telemetry.Snapshot) telemetry.Verdict {
	values := snap.MetricValues()

	d.mu.RLock()
	var violations []string
	for name, bound := range d.thresholds {
		value, present := values[name]
		if !present {
			continue
		}
		if bound.Violates(value) {
			violations = append(violations, name)
		}
	}
	d.mu.RUnlock()

	verdict := telemetry.Verdict{
		IsAnomaly:  len(violations) > 0,
		Score:      float64(len(violations)),
		Source:     telemetry.SourceThreshold,
		Violations: telemetry.SortViolations(violations),
	}

	if verdict.IsAnomaly {
		d.logger.Warn("threshold violations",
			zap.String("device_id", snap.DeviceID),
			zap.Strings("metrics", verdict.Violations))
	}
	return verdict
}

// UpdateThresholds merges a partial threshold patch into the live set.
// Keys not mentioned in the patch are preserved.
func (d *ThresholdDetector) UpdateThresholds(patch telemetry.ThresholdSet) {
	if len(patch) == 0 {
		return
	}

	d.mu.Lock()
	d.thresholds.Merge(patch)
	count := len(d.thresholds)
	d.mu.Unlock()

	d.logger.Info("thresholds updated",
		zap.Int("patched", len(patch)),
		zap.Int("total", count))
}

// Thresholds returns a copy of the effective threshold set, for reported
// state.
func (d *ThresholdDetector) Thresholds() telemetry.ThresholdSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.thresholds.Clone()
}
