// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package mlmodel // import "github.com/edgewatch/edgewatch/internal/mlmodel"

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

const portableVersion = 1

// portablePayload is the on-disk shape of the portable backend: the native
// object graph, gob-encoded.
type portablePayload struct {
	Version int
	Scaler  *Scaler
	Forest  *Forest
}

// portableModel serves inference from the native tree structures. Its raw
// label convention is the training tool's: -1 marks an outlier.
type portableModel struct {
	scaler *Scaler
	forest *Forest
}

func (m *portableModel) Predict(features []float64) (bool, float64) {
	scaled := m.scaler.Transform(features)
	label := m.forest.RawLabel(scaled)
	score := m.forest.AnomalyScore(scaled)
	// Normalize the -1 outlier sentinel to a bool right here.
	return label == -1, score
}

func (*portableModel) Backend() string { return BackendPortable }

// writePortable persists the native pair via an adjacent temp file and
// rename, so a crashed write never leaves a truncated artifact.
func writePortable(dir string, trained *Trained) error {
	path := filepath.Join(dir, portableArtifact)
	tmp, err := os.CreateTemp(dir, portableArtifact+".tmp-*")
	if err != nil {
		return fmt.Errorf("create portable artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	payload := portablePayload{
		Version: portableVersion,
		Scaler:  trained.Scaler,
		Forest:  trained.Forest,
	}
	if err := gob.NewEncoder(tmp).Encode(&payload); err != nil {
		tmp.Close()
		return fmt.Errorf("encode portable artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close portable artifact: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func loadPortable(dir string) (Model, error) {
	f, err := os.Open(filepath.Join(dir, portableArtifact))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var payload portablePayload
	if err := gob.NewDecoder(f).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode portable artifact: %w", err)
	}
	if payload.Version != portableVersion {
		return nil, fmt.Errorf("portable artifact version %d not supported", payload.Version)
	}
	if payload.Scaler == nil || payload.Forest == nil || len(payload.Forest.Trees) == 0 {
		return nil, fmt.Errorf("portable artifact incomplete")
	}

	return &portableModel{scaler: payload.Scaler, forest: payload.Forest}, nil
}
