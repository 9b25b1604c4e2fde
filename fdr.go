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
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

// bhAdjust applies the Benjamini-Hochberg step-up procedure and
// returns q-values aligned with p. Walking the sorted p-values in
// reverse with a running minimum makes the q-values monotone in p.
func bhAdjust(p []float64) []float64 {
	m := len(p)
	order := make([]int, m)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return p[order[a]] < p[order[b]] })
	q := make([]float64, m)
	running := 1.0
	for i := m - 1; i >= 0; i-- {
		idx := order[i]
		v := float64(m) * p[idx] / float64(i+1)
		if v < running {
			running = v
		}
		q[idx] = running
	}
	return q
}

// zTransform maps each t statistic to a z-score via the studentized
// quantile mapping Φ⁻¹(F_t(t; df)). The CDF value is clamped away from
// 0 and 1 so the normal quantile stays finite at extreme t.
func zTransform(results []geneTest) []float64 {
	const eps = 1e-15
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	z := make([]float64, len(results))
	for i, r := range results {
		var c float64
		switch {
		case math.IsInf(r.stat, 1):
			c = 1
		case math.IsInf(r.stat, -1):
			c = 0
		default:
			c = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: r.df}.CDF(r.stat)
		}
		if c < eps {
			c = eps
		} else if c > 1-eps {
			c = 1 - eps
		}
		z[i] = norm.Quantile(c)
	}
	return z
}

// localFdr estimates Efron's local false discovery rate fdr(z) =
// π₀f₀(z)/f(z). The marginal density f is a Poisson log-linear fit of
// the z histogram on a polynomial basis, the null f₀ is theoretical
// N(0,1), and π₀ is matched at the central bin, capped at 1.
func localFdr(z []float64, bins, degree int) ([]float64, error) {
	lo, hi := z[0], z[0]
	for _, v := range z {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	width := (hi - lo) / float64(bins)
	if width == 0 {
		return nil, fmt.Errorf("all %d z-scores identical (%g)", len(z), lo)
	}
	binOf := func(v float64) int {
		b := int((v - lo) / width)
		if b < 0 {
			b = 0
		} else if b >= bins {
			b = bins - 1
		}
		return b
	}
	counts := make([]float64, bins)
	for _, v := range z {
		counts[binOf(v)]++
	}
	centers := make([]float64, bins)
	for b := range centers {
		centers[b] = lo + width*(float64(b)+0.5)
	}

	basis := make([][]float64, degree)
	for d := range basis {
		col := make([]float64, bins)
		for b, c := range centers {
			col[b] = math.Pow(c, float64(d+1))
		}
		normalize(col)
		basis[d] = col
	}
	fitted, err := fitPoissonLogLinear(basis, counts)
	if err != nil {
		return nil, err
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1}
	total := float64(len(z)) * width
	fhat := make([]float64, bins)
	for b, mu := range fitted {
		fhat[b] = mu / total
	}

	central := binOf(0)
	pi0 := fhat[central] / norm.Prob(centers[central])
	if pi0 > 1 {
		pi0 = 1
	}
	log.Infof("local fdr: %d bins over [%.2f, %.2f], pi0 estimate %.3f", bins, lo, hi, pi0)

	fdrBin := make([]float64, bins)
	for b := range fdrBin {
		v := pi0 * norm.Prob(centers[b]) / fhat[b]
		if v > 1 || math.IsNaN(v) {
			v = 1
		}
		fdrBin[b] = v
	}
	fdr := make([]float64, len(z))
	for i, v := range z {
		fdr[i] = fdrBin[binOf(v)]
	}
	return fdr, nil
}

// geneScreen is the combined multiple-testing result for one gene.
type geneScreen struct {
	geneTest
	q        float64
	z        float64
	localFdr float64
}

func (gs geneScreen) significant(threshold float64) bool {
	return gs.q < threshold && gs.localFdr < threshold
}

// screenGenes layers BH q-values and local fdr on top of the per-gene
// t-tests and returns one row per gene plus the intersected list of
// significant genes, ordered by |t| descending.
func screenGenes(results []geneTest, bins, degree int, threshold float64) ([]geneScreen, []geneScreen, error) {
	p := make([]float64, len(results))
	for i, r := range results {
		p[i] = r.p
	}
	q := bhAdjust(p)
	z := zTransform(results)
	fdr, err := localFdr(z, bins, degree)
	if err != nil {
		return nil, nil, err
	}
	screens := make([]geneScreen, len(results))
	var hits []geneScreen
	nBH, nFdr := 0, 0
	for i, r := range results {
		screens[i] = geneScreen{geneTest: r, q: q[i], z: z[i], localFdr: fdr[i]}
		if q[i] < threshold {
			nBH++
		}
		if fdr[i] < threshold {
			nFdr++
		}
		if screens[i].significant(threshold) {
			hits = append(hits, screens[i])
		}
	}
	sort.Slice(hits, func(a, b int) bool { return abs(hits[a].stat) > abs(hits[b].stat) })
	log.Infof("BH %d, local fdr %d, intersection %d significant genes at %.2f", nBH, nFdr, len(hits), threshold)
	return screens, hits, nil
}

type fdrcmd struct {
	bins      int
	degree    int
	threshold float64
}

func (cmd *fdrcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *fdrcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := newFlagSet(stderr)
	inputFilename := flags.String("i", "kidney_transplant.csv", "input dataset `file`")
	outputFilename := flags.String("o", "-", "output `file` for the per-gene table")
	genesFilename := flags.String("genes", "", "also write the significant gene list to `file`")
	flags.IntVar(&cmd.bins, "bins", 90, "histogram bins for the local fdr density fit")
	flags.IntVar(&cmd.degree, "degree", 7, "polynomial degree for the local fdr density fit")
	flags.Float64Var(&cmd.threshold, "threshold", 0.1, "FDR threshold for both filters")
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
	screens, hits, err := screenGenes(results, cmd.bins, cmd.degree, cmd.threshold)
	if err != nil {
		return err
	}

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
	_, err = fmt.Fprint(bufw, "Gene,T,P,Q,Z,LocalFdr,Significant\n")
	if err != nil {
		return err
	}
	for _, gs := range screens {
		sig := 0
		if gs.significant(cmd.threshold) {
			sig = 1
		}
		_, err = fmt.Fprintf(bufw, "%s,%g,%g,%g,%g,%g,%d\n", gs.gene, gs.stat, gs.p, gs.q, gs.z, gs.localFdr, sig)
		if err != nil {
			return err
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	err = output.Close()
	if err != nil {
		return err
	}

	if *genesFilename != "" {
		err = writeGeneList(*genesFilename, hits)
		if err != nil {
			return err
		}
	}
	return nil
}

func writeGeneList(fnm string, hits []geneScreen) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Gene,T,Q,LocalFdr\n")
	if err != nil {
		return err
	}
	for _, gs := range hits {
		_, err = fmt.Fprintf(f, "%s,%g,%g,%g\n", gs.gene, gs.stat, gs.q, gs.localFdr)
		if err != nil {
			return err
		}
	}
	return f.Close()
}
