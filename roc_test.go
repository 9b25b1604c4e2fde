// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"gopkg.in/check.v1"
)

type rocSuite struct{}

var _ = check.Suite(&rocSuite{})

func (s *rocSuite) TestSeparable(c *check.C) {
	points, err := rocCurve([]float64{0.9, 0.8, 0.2, 0.1}, []bool{true, true, false, false})
	c.Assert(err, check.IsNil)
	c.Check(auc(points), check.Equals, 1.0)
	threshold, sens, spec := operatingPoint(points)
	c.Check(threshold, check.Equals, 0.8)
	c.Check(sens, check.Equals, 1.0)
	c.Check(spec, check.Equals, 1.0)
}

func (s *rocSuite) TestReversed(c *check.C) {
	points, err := rocCurve([]float64{0.9, 0.8, 0.2, 0.1}, []bool{false, false, true, true})
	c.Assert(err, check.IsNil)
	c.Check(auc(points), check.Equals, 0.0)
}

func (s *rocSuite) TestTies(c *check.C) {
	points, err := rocCurve([]float64{0.5, 0.5, 0.5, 0.5}, []bool{true, false, true, false})
	c.Assert(err, check.IsNil)
	// one step straight to (1,1): chance performance
	c.Check(points, check.HasLen, 2)
	c.Check(auc(points), check.Equals, 0.5)
}

func (s *rocSuite) TestHandComputed(c *check.C) {
	points, err := rocCurve([]float64{0.9, 0.8, 0.4, 0.3}, []bool{true, false, true, false})
	c.Assert(err, check.IsNil)
	c.Check(auc(points), check.Equals, 0.75)
	// two points tie on sensitivity+specificity; the sweep keeps the
	// first, i.e. the more specific one
	threshold, sens, spec := operatingPoint(points)
	c.Check(threshold, check.Equals, 0.9)
	c.Check(sens, check.Equals, 0.5)
	c.Check(spec, check.Equals, 1.0)
}

func (s *rocSuite) TestOneClass(c *check.C) {
	_, err := rocCurve([]float64{0.9, 0.8}, []bool{true, true})
	c.Check(err, check.NotNil)
}

func (s *rocSuite) TestLengthMismatch(c *check.C) {
	_, err := rocCurve([]float64{0.9}, []bool{true, false})
	c.Check(err, check.NotNil)
}
