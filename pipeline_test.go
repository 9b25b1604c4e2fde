// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// syntheticDataset writes a small expression table with a handful of
// genes shifted between the groups and the rest pure noise.
func syntheticDataset(fnm string, n, p, informative int, seed int64) error {
	rnd := rand.New(rand.NewSource(seed))
	buf := &bytes.Buffer{}
	fmt.Fprint(buf, "Sample,Rejection")
	for j := 0; j < p; j++ {
		fmt.Fprintf(buf, ",G%04d", j)
	}
	fmt.Fprintln(buf)
	for i := 0; i < n; i++ {
		rejection := i%2 == 1
		label := 0
		if rejection {
			label = 1
		}
		fmt.Fprintf(buf, "s%03d,%d", i, label)
		for j := 0; j < p; j++ {
			v := rnd.NormFloat64()
			if rejection && j < informative {
				v += 1.5
			}
			fmt.Fprintf(buf, ",%.6f", v)
		}
		fmt.Fprintln(buf)
	}
	return os.WriteFile(fnm, buf.Bytes(), 0666)
}

func (s *pipelineSuite) TestRun(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/dataset.csv"
	err := syntheticDataset(fnm, 60, 40, 4, 1)
	c.Assert(err, check.IsNil)

	var stdout bytes.Buffer
	code := (&pipeline{}).RunCommand("graft run", []string{
		"-i", fnm,
		"-output-dir", tmpdir,
		"-bins", "40",
		"-degree", "5",
		"-max-components", "6",
		"-nlambda", "3",
		"-lambda-min", "0.5",
		"-lambda-max", "5",
		"-seed", "1951",
	}, &bytes.Buffer{}, &stdout, os.Stderr)
	c.Assert(code, check.Equals, 0)

	buf, err := os.ReadFile(tmpdir + "/summary.json")
	c.Assert(err, check.IsNil)
	var summary struct {
		Samples           int
		Genes             int
		RejectionCases    int
		VarianceExplained []float64
		GenesBH           int
		GenesSignificant  int
		TrainSize         int
		TestSize          int
		Models            []modelEval
		BestModel         string
	}
	c.Assert(json.Unmarshal(buf, &summary), check.IsNil)
	c.Check(summary.Samples, check.Equals, 60)
	c.Check(summary.Genes, check.Equals, 40)
	c.Check(summary.RejectionCases, check.Equals, 30)
	c.Check(summary.TrainSize+summary.TestSize, check.Equals, 60)
	c.Check(summary.VarianceExplained, check.HasLen, 10)
	c.Check(summary.GenesSignificant <= summary.GenesBH, check.Equals, true)
	c.Assert(summary.Models, check.HasLen, 3)
	for _, m := range summary.Models {
		c.Check(m.AUC >= 0 && m.AUC <= 1, check.Equals, true, check.Commentf("%s AUC %v", m.Name, m.AUC))
		c.Check(m.Sensitivity >= 0 && m.Sensitivity <= 1, check.Equals, true)
		c.Check(m.Specificity >= 0 && m.Specificity <= 1, check.Equals, true)
	}
	c.Check(summary.BestModel, check.Not(check.Equals), "")

	for _, artifact := range []string{"variance.csv", "pca.npy", "scores.csv", "lda.npy", "genes.csv", "samples.csv"} {
		_, err := os.Stat(tmpdir + "/" + artifact)
		c.Check(err, check.IsNil, check.Commentf("missing %s", artifact))
	}
}

func (s *pipelineSuite) TestTTestCommand(c *check.C) {
	tmpdir := c.MkDir()
	fnm := tmpdir + "/dataset.csv"
	err := syntheticDataset(fnm, 30, 10, 2, 2)
	c.Assert(err, check.IsNil)

	var stdout bytes.Buffer
	code := (&ttestcmd{}).RunCommand("graft ttest", []string{"-i", fnm}, &bytes.Buffer{}, &stdout, os.Stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms)Gene,T,P,DF\n(G\d{4},.*\n){10}`)
}

func (s *pipelineSuite) TestUsage(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := runCommand("graft", []string{"no-such-command"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*unrecognized command.*`)

	stdout.Reset()
	code = runCommand("graft", []string{"version"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "graft development\n")
}
