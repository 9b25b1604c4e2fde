// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type trainSuite struct{}

var _ = check.Suite(&trainSuite{})

func (s *trainSuite) TestMakeSplit(c *check.C) {
	trainIdx, testIdx := makeSplit(250, 0.7, 1951)
	c.Check(trainIdx, check.HasLen, 175)
	c.Check(testIdx, check.HasLen, 75)
	seen := make([]bool, 250)
	for _, idx := range append(append([]int(nil), trainIdx...), testIdx...) {
		c.Assert(idx >= 0 && idx < 250, check.Equals, true)
		c.Assert(seen[idx], check.Equals, false, check.Commentf("index %d assigned twice", idx))
		seen[idx] = true
	}
	for idx, ok := range seen {
		c.Assert(ok, check.Equals, true, check.Commentf("index %d unassigned", idx))
	}
}

func (s *trainSuite) TestMakeSplitReproducible(c *check.C) {
	train1, test1 := makeSplit(100, 0.7, 42)
	train2, test2 := makeSplit(100, 0.7, 42)
	c.Check(train1, check.DeepEquals, train2)
	c.Check(test1, check.DeepEquals, test2)
	train3, _ := makeSplit(100, 0.7, 43)
	c.Check(train1, check.Not(check.DeepEquals), train3)
}

func (s *trainSuite) TestCVFolds(c *check.C) {
	folds := cvFolds(103, 4, rand.NewSource(1))
	c.Assert(folds, check.HasLen, 4)
	seen := make([]bool, 103)
	for _, fold := range folds {
		c.Check(len(fold) >= 25 && len(fold) <= 26, check.Equals, true)
		for _, pos := range fold {
			c.Assert(seen[pos], check.Equals, false)
			seen[pos] = true
		}
	}
	for pos, ok := range seen {
		c.Assert(ok, check.Equals, true, check.Commentf("position %d in no fold", pos))
	}
}

func (s *trainSuite) TestFoldComplement(c *check.C) {
	comp := foldComplement(6, []int{1, 4})
	c.Check(comp, check.DeepEquals, []int{0, 2, 3, 5})
}

func (s *trainSuite) TestLambdaGrid(c *check.C) {
	grid := lambdaGrid(0.001, 10, 20)
	c.Assert(grid, check.HasLen, 20)
	c.Check(grid[0], check.Equals, 10.0)
	c.Check(math.Abs(grid[19]-0.001) < 1e-9, check.Equals, true, check.Commentf("last=%v", grid[19]))
	for i := 1; i < len(grid); i++ {
		c.Check(grid[i] < grid[i-1], check.Equals, true)
	}
}

func (s *trainSuite) TestSubsetHelpers(c *check.C) {
	cols := [][]float64{{1, 2, 3, 4}, {5, 6, 7, 8}}
	sub := subsetColumns(cols, []int{0, 2})
	c.Check(sub, check.DeepEquals, [][]float64{{1, 3}, {5, 7}})
	c.Check(subsetBools([]bool{true, false, true, false}, []int{1, 2}), check.DeepEquals, []bool{false, true})
}

func (s *trainSuite) TestFitLogistic(c *check.C) {
	// one informative predictor, one constant-ish noise column
	x := []float64{-2, -1.5, -1, -0.5, 0.5, 1, 1.5, 2}
	noise := []float64{0.1, -0.1, 0.2, -0.2, 0.1, -0.1, 0.2, -0.2}
	y := []bool{false, false, false, false, true, true, true, true}
	params, err := fitLogistic([][]float64{x, noise}, []string{"x", "noise"}, y, 0, 1)
	c.Assert(err, check.IsNil)
	c.Assert(params, check.HasLen, 3)
	c.Check(params[1] > 0, check.Equals, true, check.Commentf("informative coefficient %v", params[1]))
	// higher x must mean higher predicted probability
	pLow := predictLogistic(params, []float64{-2, 0})
	pHigh := predictLogistic(params, []float64{2, 0})
	c.Check(pLow < 0.5, check.Equals, true, check.Commentf("pLow=%v", pLow))
	c.Check(pHigh > 0.5, check.Equals, true, check.Commentf("pHigh=%v", pHigh))
}

func (s *trainSuite) TestPredictLogistic(c *check.C) {
	c.Check(predictLogistic([]float64{0}, nil), check.Equals, 0.5)
	c.Check(predictLogistic([]float64{0, 1, 1}, []float64{3, -3}), check.Equals, 0.5)
	c.Check(predictLogistic([]float64{100}, nil) > 0.999, check.Equals, true)
}
