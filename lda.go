// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// discriminant is a fitted Fisher linear discriminant: the direction
// maximizing between-group over within-group scatter, scaled so
// aᵀWa = 1, plus the per-sample scores along it.
type discriminant struct {
	direction []float64 // gene space, p values
	scores    []float64 // one per sample
}

// fitDiscriminant computes the two-class Fisher discriminant. With
// two groups the generalized eigenproblem collapses to a ∝ W⁻¹(μ₁−μ₀),
// so no iteration is needed. The solve is done in the top-components
// singular-vector basis, where W is nonsingular, and the direction is
// mapped back to gene space through V. A singular W still surfaces as
// a solve error.
func fitDiscriminant(f *svdFactors, y []bool, components int) (*discriminant, error) {
	n, r := f.U.Dims()
	m := components
	if m <= 0 || m > r {
		m = r
	}
	if m > n-2 {
		m = n - 2
	}
	scores := f.project(m)

	// group means in score space
	mean := [2][]float64{make([]float64, m), make([]float64, m)}
	count := [2]float64{}
	for i := 0; i < n; i++ {
		g := 0
		if y[i] {
			g = 1
		}
		count[g]++
		for j := 0; j < m; j++ {
			mean[g][j] += scores.At(i, j)
		}
	}
	if count[0] == 0 || count[1] == 0 {
		return nil, fmt.Errorf("discriminant needs both groups represented, have %v/%v", count[0], count[1])
	}
	for g := 0; g < 2; g++ {
		for j := 0; j < m; j++ {
			mean[g][j] /= count[g]
		}
	}

	// pooled within-group scatter
	w := mat.NewSymDense(m, nil)
	row := make([]float64, m)
	for i := 0; i < n; i++ {
		g := 0
		if y[i] {
			g = 1
		}
		for j := 0; j < m; j++ {
			row[j] = scores.At(i, j) - mean[g][j]
		}
		for j := 0; j < m; j++ {
			for k := j; k < m; k++ {
				w.SetSym(j, k, w.At(j, k)+row[j]*row[k])
			}
		}
	}
	for j := 0; j < m; j++ {
		for k := j; k < m; k++ {
			w.SetSym(j, k, w.At(j, k)/(count[0]+count[1]-2))
		}
	}

	diff := mat.NewVecDense(m, nil)
	for j := 0; j < m; j++ {
		diff.SetVec(j, mean[1][j]-mean[0][j])
	}
	var a mat.VecDense
	err := a.SolveVec(w, diff)
	if err != nil {
		return nil, fmt.Errorf("within-group scatter is singular: %w", err)
	}

	// scale so aᵀWa = 1
	var wa mat.VecDense
	wa.MulVec(w, &a)
	a.ScaleVec(1/math.Sqrt(mat.Dot(&a, &wa)), &a)

	d := &discriminant{scores: make([]float64, n)}
	for i := 0; i < n; i++ {
		s := 0.0
		for j := 0; j < m; j++ {
			s += a.AtVec(j) * scores.At(i, j)
		}
		d.scores[i] = s
	}

	// map direction back to gene space through the loadings
	p, _ := f.V.Dims()
	d.direction = make([]float64, p)
	for gi := 0; gi < p; gi++ {
		s := 0.0
		for j := 0; j < m; j++ {
			s += f.V.At(gi, j) * a.AtVec(j)
		}
		d.direction[gi] = s
	}
	return d, nil
}

type ldacmd struct {
	components int
}

func (cmd *ldacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *ldacmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := newFlagSet(stderr)
	inputFilename := flags.String("i", "kidney_transplant.csv", "input dataset `file`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	topGenes := flags.Int("top-genes", 20, "number of highest-loading genes to report")
	flags.IntVar(&cmd.components, "components", 20, "singular-vector basis size for the within-group solve")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}

	ds, err := loadDataset(*inputFilename)
	if err != nil {
		return err
	}
	f, err := computeSVD(ds.X)
	if err != nil {
		return err
	}
	log.Info("fitting linear discriminant")
	d, err := fitDiscriminant(f, ds.Y, cmd.components)
	if err != nil {
		return err
	}
	err = writeNumpyFloat64(*outputDir+"/lda.npy", d.scores, len(d.scores), 1)
	if err != nil {
		return err
	}

	order := make([]int, len(d.direction))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return abs(d.direction[order[a]]) > abs(d.direction[order[b]])
	})
	fnm := *outputDir + "/lda-genes.csv"
	out, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = fmt.Fprint(out, "Gene,Loading\n")
	if err != nil {
		return err
	}
	for i := 0; i < *topGenes && i < len(order); i++ {
		gi := order[i]
		_, err = fmt.Fprintf(out, "%s,%g\n", ds.geneID[gi], d.direction[gi])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%g\n", ds.geneID[gi], d.direction[gi])
	}
	return out.Close()
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
