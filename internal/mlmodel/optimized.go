// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package mlmodel // import "github.com/edgewatch/edgewatch/internal/mlmodel"

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

const optimizedVersion = 1

// compiledTree is one isolation tree flattened into parallel node arrays
// for pointer-free traversal. Feature[i] < 0 marks a leaf, whose terminal
// path length (depth plus the sub-sample correction) is in PathLen[i].
type compiledTree struct {
	Feature []int32   `cbor:"1,keyasint"`
	Split   []float64 `cbor:"2,keyasint"`
	Left    []int32   `cbor:"3,keyasint"`
	Right   []int32   `cbor:"4,keyasint"`
	PathLen []float64 `cbor:"5,keyasint"`
}

// optimizedArtifact is the on-disk shape of the optimized backend: the
// precompiled inference graph, CBOR-encoded.
type optimizedArtifact struct {
	Version   int            `cbor:"1,keyasint"`
	Mean      []float64      `cbor:"2,keyasint"`
	Std       []float64      `cbor:"3,keyasint"`
	Trees     []compiledTree `cbor:"4,keyasint"`
	Subsample int            `cbor:"5,keyasint"`
	Offset    float64        `cbor:"6,keyasint"`
}

// optimizedModel serves inference from the compiled arrays. Its raw label
// convention is the graph runtime's: 1 marks an outlier.
type optimizedModel struct {
	art *optimizedArtifact
}

func (m *optimizedModel) Predict(features []float64) (bool, float64) {
	art := m.art

	scaled := make([]float64, len(features))
	for i, v := range features {
		scaled[i] = (v - art.Mean[i]) / art.Std[i]
	}

	var sum float64
	for t := range art.Trees {
		sum += art.Trees[t].walk(scaled)
	}
	mean := sum / float64(len(art.Trees))
	score := math.Exp2(-mean / avgPathLength(art.Subsample))

	label := 0
	if -score < art.Offset {
		label = 1
	}
	// Normalize the graph runtime's 1 outlier sentinel to a bool right here.
	return label == 1, score
}

func (*optimizedModel) Backend() string { return BackendOptimized }

// walk descends the flattened tree and returns the terminal path length.
func (t *compiledTree) walk(x []float64) float64 {
	i := int32(0)
	for t.Feature[i] >= 0 {
		if x[t.Feature[i]] < t.Split[i] {
			i = t.Left[i]
		} else {
			i = t.Right[i]
		}
	}
	return t.PathLen[i]
}

// compileTree flattens a pointer tree into node arrays, preorder.
func compileTree(root *TreeNode) compiledTree {
	var out compiledTree

	var flatten func(node *TreeNode, depth float64) int32
	flatten = func(node *TreeNode, depth float64) int32 {
		idx := int32(len(out.Feature))
		if node.Feature < 0 {
			out.Feature = append(out.Feature, -1)
			out.Split = append(out.Split, 0)
			out.Left = append(out.Left, -1)
			out.Right = append(out.Right, -1)
			out.PathLen = append(out.PathLen, depth+avgPathLength(node.Size))
			return idx
		}

		out.Feature = append(out.Feature, int32(node.Feature))
		out.Split = append(out.Split, node.Split)
		out.Left = append(out.Left, -1)
		out.Right = append(out.Right, -1)
		out.PathLen = append(out.PathLen, 0)

		out.Left[idx] = flatten(node.Left, depth+1)
		out.Right[idx] = flatten(node.Right, depth+1)
		return idx
	}

	flatten(root, 0)
	return out
}

// compile builds the optimized artifact from a freshly trained native pair.
func compile(trained *Trained) *optimizedArtifact {
	trees := make([]compiledTree, len(trained.Forest.Trees))
	for i, root := range trained.Forest.Trees {
		trees[i] = compileTree(root)
	}
	return &optimizedArtifact{
		Version:   optimizedVersion,
		Mean:      trained.Scaler.Mean,
		Std:       trained.Scaler.Std,
		Trees:     trees,
		Subsample: trained.Forest.SubsampleSize,
		Offset:    trained.Forest.Offset,
	}
}

func exportOptimized(dir string, trained *Trained) error {
	data, err := cbor.Marshal(compile(trained))
	if err != nil {
		return fmt.Errorf("encode optimized artifact: %w", err)
	}

	path := filepath.Join(dir, optimizedArtifactName)
	tmp, err := os.CreateTemp(dir, optimizedArtifactName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create optimized artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write optimized artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close optimized artifact: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func loadOptimized(dir string) (Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, optimizedArtifactName))
	if err != nil {
		return nil, err
	}

	var art optimizedArtifact
	if err := cbor.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode optimized artifact: %w", err)
	}
	if art.Version != optimizedVersion {
		return nil, fmt.Errorf("optimized artifact version %d not supported", art.Version)
	}
	if len(art.Trees) == 0 || len(art.Mean) == 0 || len(art.Mean) != len(art.Std) {
		return nil, fmt.Errorf("optimized artifact incomplete")
	}
	for i := range art.Trees {
		t := &art.Trees[i]
		n := len(t.Feature)
		if n == 0 || len(t.Split) != n || len(t.Left) != n || len(t.Right) != n || len(t.PathLen) != n {
			return nil, fmt.Errorf("optimized artifact tree %d malformed", i)
		}
	}

	return &optimizedModel{art: &art}, nil
}
