// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// dataset holds the expression matrix and rejection labels. X is
// standardized per gene after load and treated as read-only from then
// on.
type dataset struct {
	X        *mat.Dense // n samples × p genes
	Y        []bool     // true = rejection
	sampleID []string
	geneID   []string
}

func (ds *dataset) dims() (n, p int) {
	return ds.X.Dims()
}

// open returns a reader for fnm, decompressing transparently if the
// name ends in .gz.
func open(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fnm, ".gz") {
		return f, nil
	}
	gzr, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return struct {
		io.Reader
		io.Closer
	}{gzr, f}, nil
}

// loadDataset reads a delimited expression table: first column sample
// ID, second column binary rejection label, remaining columns one gene
// each. The delimiter (comma or tab) is sniffed from the header row.
func loadDataset(fnm string) (*dataset, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return parseDataset(buf, fnm)
}

func parseDataset(buf []byte, fnm string) (*dataset, error) {
	lines := bytes.Split(buf, []byte{'\n'})
	if len(lines) < 2 {
		return nil, fmt.Errorf("%s: no data rows", fnm)
	}
	delim := ","
	if bytes.ContainsRune(lines[0], '\t') {
		delim = "\t"
	}
	header := strings.Split(strings.TrimRight(string(lines[0]), "\r"), delim)
	if len(header) < 3 {
		return nil, fmt.Errorf("%s: header has %d fields, need sample ID + label + at least one gene", fnm, len(header))
	}
	geneID := header[2:]
	p := len(geneID)

	ds := &dataset{geneID: geneID}
	var values []float64
	lineNum := 1
	for _, line := range lines[1:] {
		lineNum++
		if len(line) == 0 {
			continue
		}
		split := strings.Split(strings.TrimRight(string(line), "\r"), delim)
		if len(split) != p+2 {
			return nil, fmt.Errorf("%s line %d: %d fields != %d in header", fnm, lineNum, len(split), p+2)
		}
		switch split[1] {
		case "0":
			ds.Y = append(ds.Y, false)
		case "1":
			ds.Y = append(ds.Y, true)
		default:
			return nil, fmt.Errorf("%s line %d: label %q is not 0 or 1", fnm, lineNum, split[1])
		}
		ds.sampleID = append(ds.sampleID, split[0])
		for _, s := range split[2:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: cannot parse float %q: %s", fnm, lineNum, s, err)
			}
			values = append(values, v)
		}
	}
	n := len(ds.sampleID)
	if n == 0 {
		return nil, fmt.Errorf("%s: no data rows", fnm)
	}
	ds.X = mat.NewDense(n, p, values)
	summarizeValues(values)
	ds.standardize()
	log.Infof("loaded %s: %d samples × %d genes, %d rejection cases", fnm, n, p, ds.cases())
	return ds, nil
}

func (ds *dataset) cases() int {
	cases := 0
	for _, y := range ds.Y {
		if y {
			cases++
		}
	}
	return cases
}

// standardize scales each gene column to zero mean and unit variance.
// A constant column becomes all zeros instead of NaN.
func (ds *dataset) standardize() {
	n, p := ds.X.Dims()
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, ds.X)
		normalize(col)
		for i, v := range col {
			ds.X.Set(i, j, v)
		}
	}
}

// column copies gene column j out of X.
func (ds *dataset) column(j int) []float64 {
	col := make([]float64, len(ds.sampleID))
	mat.Col(col, j, ds.X)
	return col
}

// summarizeValues logs distribution quantiles of the raw expression
// values, before standardization flattens them.
func summarizeValues(values []float64) {
	median, err := stats.Median(values)
	if err != nil {
		return
	}
	q1, _ := stats.Percentile(values, 25)
	q3, _ := stats.Percentile(values, 75)
	min, _ := stats.Min(values)
	max, _ := stats.Max(values)
	log.Infof("expression values: min %.3f, q1 %.3f, median %.3f, q3 %.3f, max %.3f", min, q1, median, q3, max)
}

// fetcher downloads the dataset to a local cache file if it is not
// already present.
type fetcher struct{}

func (cmd *fetcher) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

const defaultDatasetURL = "https://hastie.su.domains/CASI_files/DATA/kidney_transplant.csv"

func (cmd *fetcher) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := newFlagSet(stderr)
	url := flags.String("url", defaultDatasetURL, "dataset `URL`")
	outputFilename := flags.String("o", "kidney_transplant.csv", "cache `file`")
	if err := parseFlags(flags, args); err != nil {
		return err
	}
	fnm, err := fetchDataset(*url, *outputFilename)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, fnm)
	return nil
}

func fetchDataset(url, fnm string) (string, error) {
	if _, err := os.Stat(fnm); err == nil {
		log.Infof("using cached %s", fnm)
		return fnm, nil
	}
	log.Infof("fetching %s", url)
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	err = os.WriteFile(fnm, buf, 0666)
	if err != nil {
		return "", err
	}
	log.Infof("cached %s (%d bytes, blake2b %x)", fnm, len(buf), blake2b.Sum256(buf))
	return fnm, nil
}
