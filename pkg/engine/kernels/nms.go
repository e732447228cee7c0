// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"sort"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
)

// nonMaxSuppression greedily selects boxes by descending score, pruning boxes that overlap
// a selected box by more than iouThreshold.
//
// Inputs: boxes (Float32)[N 4] as (y1, x1, y2, x2) for any diagonal pair of corners, and scores (Float32)[N].
// Outputs: selected indices (Int32)[K], and optionally the number of valid indices (Int32) scalar.
// If padToMaxOutputSize is set, K == maxOutputSize and the selection is padded with zeros.
type nonMaxSuppression struct {
	maxOutputSize      int
	iouThreshold       float32
	scoreThreshold     float32
	padToMaxOutputSize bool
}

func newNonMaxSuppression(info *Info) (Kernel, error) {
	node := info.Node
	maxOutputSize, err := node.AttrInt("max_output_size")
	if err != nil {
		return nil, err
	}
	if maxOutputSize < 0 {
		return nil, status.Errorf(status.InvalidAttribute, "node %q: max_output_size must be >= 0, got %d",
			node.Name, maxOutputSize)
	}
	iouThreshold, err := node.AttrFloat("iou_threshold")
	if err != nil {
		return nil, err
	}
	if iouThreshold < 0 || iouThreshold > 1 {
		return nil, status.Errorf(status.InvalidAttribute, "node %q: iou_threshold must be in range [0, 1], got %g",
			node.Name, iouThreshold)
	}
	scoreThreshold, err := node.AttrFloat("score_threshold")
	if err != nil {
		return nil, err
	}
	pad, err := node.AttrIntOr("pad_to_max_output_size", 0)
	if err != nil {
		return nil, err
	}
	return &nonMaxSuppression{
		maxOutputSize:      int(maxOutputSize),
		iouThreshold:       float32(iouThreshold),
		scoreThreshold:     float32(scoreThreshold),
		padToMaxOutputSize: pad != 0,
	}, nil
}

// Compute implements Kernel.
func (k *nonMaxSuppression) Compute(ctx *Context) error {
	boxesValue, err := ctx.RequiredInput(0)
	if err != nil {
		return err
	}
	scoresValue, err := ctx.RequiredInput(1)
	if err != nil {
		return err
	}
	boxesShape, scoresShape := boxesValue.Shape(), scoresValue.Shape()
	if boxesShape.Rank() != 2 || boxesShape.Dimensions[1] != 4 || scoresShape.Rank() != 1 ||
		scoresShape.Dimensions[0] != boxesShape.Dimensions[0] {
		return status.Errorf(status.Runtime, "node %q: boxes must be shaped [N, 4] and scores [N], got %s and %s",
			ctx.Node().Name, boxesShape, scoresShape)
	}
	boxes, err := values.Flat[float32](boxesValue)
	if err != nil {
		return status.Wrapf(err, status.Runtime, "node %q: boxes", ctx.Node().Name)
	}
	scores, err := values.Flat[float32](scoresValue)
	if err != nil {
		return status.Wrapf(err, status.Runtime, "node %q: scores", ctx.Node().Name)
	}

	selected := k.selectBoxes(boxes, scores)
	numValid := len(selected)
	if k.padToMaxOutputSize {
		for len(selected) < k.maxOutputSize {
			selected = append(selected, 0)
		}
	}
	output, err := ctx.Output(0, shapes.Make(dtypes.Int32, len(selected)))
	if err != nil {
		return err
	}
	if output != nil {
		flat, err := values.Flat[int32](output)
		if err != nil {
			return err
		}
		copy(flat, selected)
	}
	validOutput, err := ctx.Output(1, shapes.Make(dtypes.Int32))
	if err != nil {
		return err
	}
	if validOutput != nil {
		flat, err := values.Flat[int32](validOutput)
		if err != nil {
			return err
		}
		flat[0] = int32(numValid)
	}
	return nil
}

func (k *nonMaxSuppression) selectBoxes(boxes, scores []float32) []int32 {
	candidates := make([]int32, 0, len(scores))
	for ii, score := range scores {
		if score > k.scoreThreshold {
			candidates = append(candidates, int32(ii))
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i]] > scores[candidates[j]]
	})
	selected := make([]int32, 0, min(k.maxOutputSize, len(candidates)))
	for _, candidate := range candidates {
		if len(selected) >= k.maxOutputSize {
			break
		}
		suppressed := false
		for _, s := range selected {
			if iou(boxes, candidate, s) > k.iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			selected = append(selected, candidate)
		}
	}
	return selected
}

// iou returns the intersection over union of boxes i and j.
func iou(boxes []float32, i, j int32) float32 {
	corners := func(idx int32) (yMin, xMin, yMax, xMax float32) {
		b := boxes[4*idx : 4*idx+4]
		return min(b[0], b[2]), min(b[1], b[3]), max(b[0], b[2]), max(b[1], b[3])
	}
	yMin1, xMin1, yMax1, xMax1 := corners(i)
	yMin2, xMin2, yMax2, xMax2 := corners(j)
	area1 := (yMax1 - yMin1) * (xMax1 - xMin1)
	area2 := (yMax2 - yMin2) * (xMax2 - xMin2)
	if area1 <= 0 || area2 <= 0 {
		return 0
	}
	intersection := max(min(yMax1, yMax2)-max(yMin1, yMin2), 0) * max(min(xMax1, xMax2)-max(xMin1, xMin2), 0)
	return intersection / (area1 + area2 - intersection)
}
