// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry // import "github.com/edgewatch/edgewatch/internal/telemetry"

import (
	"time"

	"github.com/google/uuid"
)

// LocalAnalysis carries the locally computed verdict inside an outbound
// payload.
type LocalAnalysis struct {
	IsAnomaly           bool     `json:"is_anomaly"`
	MLScore             float64  `json:"ml_score"`
	ThresholdViolations []string `json:"threshold_violations"`
}

// Payload is the outbound wire shape: the raw snapshot fields plus the
// local analysis and, when a remote verdict was obtained, the cloud
// analysis.
type Payload struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	DeviceID  string          `json:"device_id"`
	CPU       *CPUMetrics     `json:"cpu,omitempty"`
	Memory    *MemoryMetrics  `json:"memory,omitempty"`
	Disk      *DiskMetrics    `json:"disk,omitempty"`
	Network   *NetworkMetrics `json:"network,omitempty"`

	LocalAnalysis LocalAnalysis  `json:"local_analysis"`
	CloudAnalysis *RemoteVerdict `json:"cloud_analysis,omitempty"`
}

// BuildPayload assembles the outbound payload for one cycle. The remote
// verdict is informational and may be nil; the combined flag must already
// reflect the OR of the local detectors.
func BuildPayload(snap *Snapshot, combined bool, mlScore float64, violations []string, remote *RemoteVerdict) *Payload {
	if violations == nil {
		violations = []string{}
	}

	return &Payload{
		ID:        uuid.NewString(),
		Timestamp: snap.Timestamp,
		DeviceID:  snap.DeviceID,
		CPU:       snap.CPU,
		Memory:    snap.Memory,
		Disk:      snap.Disk,
		Network:   snap.Network,
		LocalAnalysis: LocalAnalysis{
			IsAnomaly:           combined,
			MLScore:             mlScore,
			ThresholdViolations: SortViolations(violations),
		},
		CloudAnalysis: remote,
	}
}
