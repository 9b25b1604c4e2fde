// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"math"
	"os"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type datasetSuite struct{}

var _ = check.Suite(&datasetSuite{})

var testTable = "" +
	"Sample,Rejection,GENE1,GENE2,GENE3\n" +
	"s1,0,1.0,5.0,2.0\n" +
	"s2,0,2.0,5.0,4.0\n" +
	"s3,1,3.0,5.0,6.0\n" +
	"s4,1,4.0,5.0,8.0\n"

func (s *datasetSuite) TestParseCSV(c *check.C) {
	ds, err := parseDataset([]byte(testTable), "test.csv")
	c.Assert(err, check.IsNil)
	n, p := ds.dims()
	c.Check(n, check.Equals, 4)
	c.Check(p, check.Equals, 3)
	c.Check(ds.sampleID, check.DeepEquals, []string{"s1", "s2", "s3", "s4"})
	c.Check(ds.geneID, check.DeepEquals, []string{"GENE1", "GENE2", "GENE3"})
	c.Check(ds.Y, check.DeepEquals, []bool{false, false, true, true})
	c.Check(ds.cases(), check.Equals, 2)
}

func (s *datasetSuite) TestParseTSV(c *check.C) {
	tsv := "Sample\tRejection\tGENE1\ns1\t1\t0.5\ns2\t0\t0.25\n"
	ds, err := parseDataset([]byte(tsv), "test.tsv")
	c.Assert(err, check.IsNil)
	n, p := ds.dims()
	c.Check(n, check.Equals, 2)
	c.Check(p, check.Equals, 1)
	c.Check(ds.Y, check.DeepEquals, []bool{true, false})
}

func (s *datasetSuite) TestStandardize(c *check.C) {
	ds, err := parseDataset([]byte(testTable), "test.csv")
	c.Assert(err, check.IsNil)
	n, p := ds.dims()
	for j := 0; j < p; j++ {
		sum, sumsq := 0.0, 0.0
		for i := 0; i < n; i++ {
			v := ds.X.At(i, j)
			sum += v
			sumsq += v * v
		}
		c.Check(math.Abs(sum) < 1e-12, check.Equals, true, check.Commentf("column %d mean", j))
		if j == 1 {
			// GENE2 is constant: becomes all zeros, not NaN
			c.Check(sumsq, check.Equals, 0.0)
		} else {
			c.Check(math.Abs(sumsq/float64(n-1)-1) < 1e-12, check.Equals, true, check.Commentf("column %d variance", j))
		}
	}
}

func (s *datasetSuite) TestBadLabel(c *check.C) {
	_, err := parseDataset([]byte("Sample,Rejection,GENE1\ns1,2,0.5\n"), "test.csv")
	c.Check(err, check.ErrorMatches, `.*label "2" is not 0 or 1`)
}

func (s *datasetSuite) TestRaggedRow(c *check.C) {
	_, err := parseDataset([]byte("Sample,Rejection,GENE1,GENE2\ns1,1,0.5\n"), "test.csv")
	c.Check(err, check.ErrorMatches, `.*line 2: 3 fields != 4 in header`)
}

func (s *datasetSuite) TestLoadGzip(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/table.csv.gz"
	f, err := os.Create(fnm)
	c.Assert(err, check.IsNil)
	gzw := pgzip.NewWriter(f)
	_, err = gzw.Write([]byte(testTable))
	c.Assert(err, check.IsNil)
	c.Assert(gzw.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)

	ds, err := loadDataset(fnm)
	c.Assert(err, check.IsNil)
	n, p := ds.dims()
	c.Check(n, check.Equals, 4)
	c.Check(p, check.Equals, 3)
}

func (s *datasetSuite) TestFetchUsesCache(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/cached.csv"
	err := os.WriteFile(fnm, []byte(testTable), 0666)
	c.Assert(err, check.IsNil)
	got, err := fetchDataset("http://127.0.0.1:1/unreachable", fnm)
	c.Check(err, check.IsNil)
	c.Check(got, check.Equals, fnm)
}
