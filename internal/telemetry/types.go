// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the data model shared by the detection and
// dispatch pipeline: metric snapshots, threshold sets, detection verdicts
// and the outbound payload shape.
package telemetry // import "github.com/edgewatch/edgewatch/internal/telemetry"

import (
	"errors"
	"sort"
	"time"
)

// Sentinel errors for the recoverable failure classes of the pipeline.
var (
	// ErrQueueFull is returned when the dispatch queue is at capacity and a
	// payload had to be dropped.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrModelUnavailable indicates no trained model exists in either
	// backend encoding. It never propagates past the detector boundary.
	ErrModelUnavailable = errors.New("no trained model available")
)

// Metric names used by threshold sets, violations and reported state.
const (
	MetricCPUTemperature = "cpu_temperature"
	MetricCPUUsage       = "cpu_usage"
	MetricMemory         = "memory"
	MetricDisk           = "disk"
	MetricNetworkSent    = "network_sent"
	MetricNetworkRecv    = "network_recv"
)

// CPUMetrics is the cpu sub-group of a snapshot. Temperature is a pointer
// because thermal probes are unavailable on many hosts.
type CPUMetrics struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	UsagePercent float64  `json:"usage_percent"`
	FrequencyMHz float64  `json:"frequency_mhz,omitempty"`
	CoreCount    int      `json:"core_count,omitempty"`
}

// MemoryMetrics is the memory sub-group of a snapshot.
type MemoryMetrics struct {
	Percent float64 `json:"percent"`
	UsedMB  float64 `json:"used_mb"`
	TotalMB float64 `json:"total_mb"`
}

// DiskMetrics is the disk sub-group of a snapshot.
type DiskMetrics struct {
	Percent float64 `json:"percent"`
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
}

// NetworkMetrics is the network sub-group of a snapshot. Counters are
// cumulative since boot, reported in megabytes.
type NetworkMetrics struct {
	SentMB float64 `json:"bytes_sent_mb"`
	RecvMB float64 `json:"bytes_recv_mb"`
}

// Snapshot is one (possibly partial) reading of device metrics. Sub-groups
// are nil when the corresponding sensor is disabled or failed; consumers
// must tolerate absent groups.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"device_id"`
	CPU       *CPUMetrics     `json:"cpu,omitempty"`
	Memory    *MemoryMetrics  `json:"memory,omitempty"`
	Disk      *DiskMetrics    `json:"disk,omitempty"`
	Network   *NetworkMetrics `json:"network,omitempty"`
}

// MetricValues returns the named metrics present in this snapshot. Absent
// sub-groups simply contribute no entries.
func (s *Snapshot) MetricValues() map[string]float64 {
	values := make(map[string]float64, 6)

	if s.CPU != nil {
		if s.CPU.Temperature != nil {
			values[MetricCPUTemperature] = *s.CPU.Temperature
		}
		values[MetricCPUUsage] = s.CPU.UsagePercent
	}
	if s.Memory != nil {
		values[MetricMemory] = s.Memory.Percent
	}
	if s.Disk != nil {
		values[MetricDisk] = s.Disk.Percent
	}
	if s.Network != nil {
		values[MetricNetworkSent] = s.Network.SentMB
		values[MetricNetworkRecv] = s.Network.RecvMB
	}

	return values
}

// FeatureCount is the fixed width of the model feature vector.
const FeatureCount = 6

// Features extracts the model input vector in its fixed order:
// cpu temperature, cpu usage, memory percent, disk percent, network sent,
// network received. Missing fields default to 0.
func (s *Snapshot) Features() []float64 {
	features := make([]float64, FeatureCount)

	if s.CPU != nil {
		if s.CPU.Temperature != nil {
			features[0] = *s.CPU.Temperature
		}
		features[1] = s.CPU.UsagePercent
	}
	if s.Memory != nil {
		features[2] = s.Memory.Percent
	}
	if s.Disk != nil {
		features[3] = s.Disk.Percent
	}
	if s.Network != nil {
		features[4] = s.Network.SentMB
		features[5] = s.Network.RecvMB
	}

	return features
}

// Bound is an optional min/max pair for one metric. A nil side is not
// enforced.
type Bound struct {
	Min *float64 `json:"min,omitempty" koanf:"min"`
	Max *float64 `json:"max,omitempty" koanf:"max"`
}

// ThresholdSet maps metric names to their configured bounds.
type ThresholdSet map[string]Bound

// Merge applies a partial threshold update. Keys absent from the patch are
// preserved; within a key, only the sides present in the patch override.
func (t ThresholdSet) Merge(patch ThresholdSet) {
	for name, bound := range patch {
		existing := t[name]
		if bound.Min != nil {
			existing.Min = bound.Min
		}
		if bound.Max != nil {
			existing.Max = bound.Max
		}
		t[name] = existing
	}
}

// Clone returns a deep copy of the threshold set.
func (t ThresholdSet) Clone() ThresholdSet {
	out := make(ThresholdSet, len(t))
	for name, bound := range t {
		c := Bound{}
		if bound.Min != nil {
			v := *bound.Min
			c.Min = &v
		}
		if bound.Max != nil {
			v := *bound.Max
			c.Max = &v
		}
		out[name] = c
	}
	return out
}

// Violates reports whether value falls outside the bound.
func (b Bound) Violates(value float64) bool {
	if b.Max != nil && value > *b.Max {
		return true
	}
	if b.Min != nil && value < *b.Min {
		return true
	}
	return false
}

// VerdictSource identifies which detector produced a verdict.
type VerdictSource string

const (
	SourceThreshold   VerdictSource = "threshold"
	SourceLocalModel  VerdictSource = "local_model"
	SourceRemoteModel VerdictSource = "remote_model"
)

// Verdict is the outcome of one anomaly check.
type Verdict struct {
	IsAnomaly  bool          `json:"is_anomaly"`
	Score      float64       `json:"score"`
	Source     VerdictSource `json:"source"`
	Violations []string      `json:"violations,omitempty"`
}

// RemoteVerdict is the result of a remote analysis call.
type RemoteVerdict struct {
	Prediction string  `json:"prediction"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Anomalous reports whether the remote model flagged the snapshot.
func (r *RemoteVerdict) Anomalous() bool {
	return r.Prediction == "anomaly"
}

// SortViolations orders violated-metric names for stable output.
func SortViolations(violations []string) []string {
	sort.Strings(violations)
	return violations
}
