// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"fmt"
	"sort"
)

// rocPoint is one operating point: predict positive when the score is
// >= threshold.
type rocPoint struct {
	threshold float64
	tpr       float64
	fpr       float64
}

// rocCurve sweeps the decision threshold from above the largest score
// down, emitting one point per distinct score value. Tied scores move
// together. The curve starts at (0,0) and ends at (1,1).
func rocCurve(scores []float64, labels []bool) ([]rocPoint, error) {
	if len(scores) != len(labels) {
		return nil, fmt.Errorf("%d scores for %d labels", len(scores), len(labels))
	}
	npos, nneg := 0, 0
	for _, y := range labels {
		if y {
			npos++
		} else {
			nneg++
		}
	}
	if npos == 0 || nneg == 0 {
		return nil, fmt.Errorf("ROC needs both classes, have %d positive / %d negative", npos, nneg)
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	points := []rocPoint{{threshold: scores[order[0]] + 1}}
	tp, fp := 0, 0
	for i := 0; i < len(order); {
		threshold := scores[order[i]]
		for ; i < len(order) && scores[order[i]] == threshold; i++ {
			if labels[order[i]] {
				tp++
			} else {
				fp++
			}
		}
		points = append(points, rocPoint{
			threshold: threshold,
			tpr:       float64(tp) / float64(npos),
			fpr:       float64(fp) / float64(nneg),
		})
	}
	return points, nil
}

// auc is the trapezoidal area under the curve.
func auc(points []rocPoint) float64 {
	area := 0.0
	for i := 1; i < len(points); i++ {
		area += (points[i].fpr - points[i-1].fpr) * (points[i].tpr + points[i-1].tpr) / 2
	}
	return area
}

// operatingPoint picks the threshold maximizing sensitivity +
// specificity and returns it with both rates.
func operatingPoint(points []rocPoint) (threshold, sensitivity, specificity float64) {
	best := -1.0
	for _, pt := range points[1:] {
		j := pt.tpr + (1 - pt.fpr)
		if j > best {
			best = j
			threshold, sensitivity, specificity = pt.threshold, pt.tpr, 1-pt.fpr
		}
	}
	return threshold, sensitivity, specificity
}
