// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// geneTest is one gene's two-sample t-test result.
type geneTest struct {
	gene string
	stat float64
	p    float64
	df   float64
}

// ttestColumns runs a pooled-variance two-sided two-sample t-test on
// every gene column independently, rejection group vs the rest. A gene
// with zero pooled variance gets statistic 0 and p 1.
func ttestColumns(ds *dataset) []geneTest {
	n, p := ds.dims()
	results := make([]geneTest, p)
	group0 := make([]float64, 0, n)
	group1 := make([]float64, 0, n)
	for j := 0; j < p; j++ {
		group0, group1 = group0[:0], group1[:0]
		col := ds.column(j)
		for i, y := range ds.Y {
			if y {
				group1 = append(group1, col[i])
			} else {
				group0 = append(group0, col[i])
			}
		}
		t, pval, df := pooledTTest(group0, group1)
		results[j] = geneTest{gene: ds.geneID[j], stat: t, p: pval, df: df}
	}
	return results
}

func pooledTTest(group0, group1 []float64) (t, p, df float64) {
	n0, n1 := float64(len(group0)), float64(len(group1))
	df = n0 + n1 - 2
	mean0, var0 := stat.MeanVariance(group0, nil)
	mean1, var1 := stat.MeanVariance(group1, nil)
	pooled := ((n0-1)*var0 + (n1-1)*var1) / df
	if pooled == 0 {
		return 0, 1, df
	}
	t = (mean1 - mean0) / pooledStdErr(pooled, n0, n1)
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	if t < 0 {
		p = 2 * dist.CDF(t)
	} else {
		p = 2 * dist.CDF(-t)
	}
	return t, p, df
}

func pooledStdErr(pooled, n0, n1 float64) float64 {
	return math.Sqrt(pooled * (1/n0 + 1/n1))
}

type ttestcmd struct{}

func (cmd *ttestcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *ttestcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := newFlagSet(stderr)
	inputFilename := flags.String("i", "kidney_transplant.csv", "input dataset `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}

	ds, err := loadDataset(*inputFilename)
	if err != nil {
		return err
	}
	log.Info("testing genes")
	results := ttestColumns(ds)

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return err
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = writeTestResults(bufw, results)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

func writeTestResults(w io.Writer, results []geneTest) error {
	_, err := fmt.Fprint(w, "Gene,T,P,DF\n")
	if err != nil {
		return err
	}
	below := 0
	for _, r := range results {
		if r.p < 0.05 {
			below++
		}
		_, err = fmt.Fprintf(w, "%s,%g,%g,%g\n", r.gene, r.stat, r.p, r.df)
		if err != nil {
			return err
		}
	}
	log.Infof("%d of %d genes below p=0.05 before correction", below, len(results))
	return nil
}
