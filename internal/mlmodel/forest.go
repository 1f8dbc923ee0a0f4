// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package mlmodel // import "github.com/edgewatch/edgewatch/internal/mlmodel"

import (
	"math"
	"math/rand"
	"sort"
)

const eulerMascheroni = 0.5772156649015329

// TreeNode is one node of an isolation tree. Leaves have nil children and
// record the size of the sub-sample that reached them.
type TreeNode struct {
	Feature int
	Split   float64
	Left    *TreeNode
	Right   *TreeNode
	Size    int
}

// Forest is a trained isolation forest. Offset is the score_samples
// quantile at the configured contamination, used to derive the outlier
// label.
type Forest struct {
	Trees         []*TreeNode
	SubsampleSize int
	Offset        float64
}

// avgPathLength is c(n), the average path length of an unsuccessful BST
// search over n points; used to normalize tree depths.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	return 2*(math.Log(f-1)+eulerMascheroni) - 2*(f-1)/f
}

// buildTree grows one isolation tree over sample up to maxDepth, picking a
// random feature and a uniform random split at each node.
func buildTree(sample [][]float64, depth, maxDepth int, rng *rand.Rand) *TreeNode {
	if depth >= maxDepth || len(sample) <= 1 {
		return &TreeNode{Feature: -1, Size: len(sample)}
	}

	width := len(sample[0])

	// Collect features that still vary within this sub-sample.
	splittable := make([]int, 0, width)
	for f := 0; f < width; f++ {
		lo, hi := sample[0][f], sample[0][f]
		for _, row := range sample[1:] {
			if row[f] < lo {
				lo = row[f]
			}
			if row[f] > hi {
				hi = row[f]
			}
		}
		if hi > lo {
			splittable = append(splittable, f)
		}
	}
	if len(splittable) == 0 {
		return &TreeNode{Feature: -1, Size: len(sample)}
	}

	feature := splittable[rng.Intn(len(splittable))]
	lo, hi := sample[0][feature], sample[0][feature]
	for _, row := range sample[1:] {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range sample {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &TreeNode{
		Feature: feature,
		Split:   split,
		Left:    buildTree(left, depth+1, maxDepth, rng),
		Right:   buildTree(right, depth+1, maxDepth, rng),
		Size:    len(sample),
	}
}

// pathLength walks x down a tree, terminating leaf depths with the average
// path length of the leaf's sub-sample.
func pathLength(node *TreeNode, x []float64, depth float64) float64 {
	if node.Feature < 0 {
		return depth + avgPathLength(node.Size)
	}
	if x[node.Feature] < node.Split {
		return pathLength(node.Left, x, depth+1)
	}
	return pathLength(node.Right, x, depth+1)
}

// FitForest trains an isolation forest over the (already scaled) matrix X.
// The offset is set so that roughly a contamination-fraction of the
// training points are labelled outliers.
func FitForest(X [][]float64, trees, subsampleSize int, contamination float64, seed int64) *Forest {
	if subsampleSize <= 0 || subsampleSize > len(X) {
		subsampleSize = len(X)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsampleSize))))
	rng := rand.New(rand.NewSource(seed))

	forest := &Forest{
		Trees:         make([]*TreeNode, 0, trees),
		SubsampleSize: subsampleSize,
	}
	for i := 0; i < trees; i++ {
		sample := make([][]float64, subsampleSize)
		for j := range sample {
			sample[j] = X[rng.Intn(len(X))]
		}
		forest.Trees = append(forest.Trees, buildTree(sample, 0, maxDepth, rng))
	}

	// Offset from the training score distribution.
	scores := make([]float64, len(X))
	for i, row := range X {
		scores[i] = forest.ScoreSamples(row)
	}
	sort.Float64s(scores)
	idx := int(contamination * float64(len(scores)))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	forest.Offset = scores[idx]

	return forest
}

// AnomalyScore returns s(x) in (0, 1]; values near 1 indicate isolation in
// few splits, i.e. an outlier.
func (f *Forest) AnomalyScore(x []float64) float64 {
	var sum float64
	for _, tree := range f.Trees {
		sum += pathLength(tree, x, 0)
	}
	mean := sum / float64(len(f.Trees))
	return math.Exp2(-mean / avgPathLength(f.SubsampleSize))
}

// ScoreSamples mirrors the training-tool convention: the negated anomaly
// score, so higher values mean more normal.
func (f *Forest) ScoreSamples(x []float64) float64 {
	return -f.AnomalyScore(x)
}

// RawLabel classifies x using the trained offset: -1 for outliers, 1 for
// inliers. This is the portable backend's sentinel convention.
func (f *Forest) RawLabel(x []float64) int {
	if f.ScoreSamples(x) < f.Offset {
		return -1
	}
	return 1
}
