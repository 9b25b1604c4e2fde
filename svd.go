// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// svdFactors holds the thin SVD of the standardized expression
// matrix: X = U diag(d) Vᵀ with r = min(n,p) components. Read-only
// once computed.
type svdFactors struct {
	U *mat.Dense // n × r
	V *mat.Dense // p × r
	d []float64  // r singular values, descending
}

func computeSVD(x mat.Matrix) (*svdFactors, error) {
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, fmt.Errorf("SVD did not converge")
	}
	f := &svdFactors{U: &mat.Dense{}, V: &mat.Dense{}}
	svd.UTo(f.U)
	svd.VTo(f.V)
	f.d = svd.Values(nil)
	return f, nil
}

// varianceExplained returns the proportion of total variance captured
// by each component (d_k² over Σd²) and the cumulative proportions.
func (f *svdFactors) varianceExplained() (prop, cum []float64) {
	total := 0.0
	for _, d := range f.d {
		total += d * d
	}
	prop = make([]float64, len(f.d))
	cum = make([]float64, len(f.d))
	running := 0.0
	for k, d := range f.d {
		prop[k] = d * d / total
		running += prop[k]
		cum[k] = running
	}
	return prop, cum
}

// project returns the sample scores on the first k components,
// i.e. the first k columns of U diag(d) (equivalently X V_k).
func (f *svdFactors) project(k int) *mat.Dense {
	n, r := f.U.Dims()
	if k > r {
		k = r
	}
	scores := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			scores.Set(i, j, f.U.At(i, j)*f.d[j])
		}
	}
	return scores
}

// scoreColumn copies component j of the projection, one value per
// sample.
func (f *svdFactors) scoreColumn(j int) []float64 {
	n, _ := f.U.Dims()
	col := make([]float64, n)
	for i := 0; i < n; i++ {
		col[i] = f.U.At(i, j) * f.d[j]
	}
	return col
}

func writeNumpyFloat64(fnm string, out []float64, rows, cols int) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
	}).Info("wrote numpy file")
	return output.Close()
}

func writeMatrixNumpy(fnm string, m *mat.Dense) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	return writeNumpyFloat64(fnm, out, rows, cols)
}

type svdcmd struct {
	components int
}

func (cmd *svdcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *svdcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := newFlagSet(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "kidney_transplant.csv", "input dataset `file`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	flags.IntVar(&cmd.components, "components", 4, "number of components to project onto")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	ds, err := loadDataset(*inputFilename)
	if err != nil {
		return err
	}
	log.Info("computing SVD")
	f, err := computeSVD(ds.X)
	if err != nil {
		return err
	}
	prop, cum := f.varianceExplained()
	err = writeVarianceTable(*outputDir+"/variance.csv", f.d, prop, cum)
	if err != nil {
		return err
	}
	for k := 0; k < cmd.components && k < len(prop); k++ {
		fmt.Fprintf(stdout, "component %d: %.4f of variance (cumulative %.4f)\n", k+1, prop[k], cum[k])
	}
	scores := f.project(cmd.components)
	err = writeMatrixNumpy(*outputDir+"/pca.npy", scores)
	if err != nil {
		return err
	}
	return writeScoresCSV(*outputDir+"/scores.csv", ds, scores)
}

func writeVarianceTable(fnm string, d, prop, cum []float64) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Component,SingularValue,Proportion,Cumulative\n")
	if err != nil {
		return err
	}
	for k := range d {
		_, err = fmt.Fprintf(f, "%d,%g,%g,%g\n", k+1, d[k], prop[k], cum[k])
		if err != nil {
			return err
		}
	}
	return f.Close()
}

func writeScoresCSV(fnm string, ds *dataset, scores *mat.Dense) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, cols := scores.Dims()
	header := "Index,SampleID,Rejection"
	for j := 0; j < cols; j++ {
		header += fmt.Sprintf(",PC%d", j+1)
	}
	_, err = fmt.Fprintln(f, header)
	if err != nil {
		return err
	}
	for i, id := range ds.sampleID {
		label := "0"
		if ds.Y[i] {
			label = "1"
		}
		line := fmt.Sprintf("%d,%s,%s", i, id, label)
		for j := 0; j < cols; j++ {
			line += fmt.Sprintf(",%f", scores.At(i, j))
		}
		_, err = fmt.Fprintln(f, line)
		if err != nil {
			return err
		}
	}
	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
