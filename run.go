// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	log "github.com/sirupsen/logrus"
)

// pipeline chains every stage against one output directory.
type pipeline struct {
	trainer trainer
	fdr     fdrcmd
}

func (cmd *pipeline) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err == errHelp {
		return 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *pipeline) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := newFlagSet(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	url := flags.String("url", defaultDatasetURL, "dataset `URL`")
	inputFilename := flags.String("i", "kidney_transplant.csv", "dataset cache `file`")
	outputDir := flags.String("output-dir", ".", "output `directory`")
	components := flags.Int("components", 4, "number of components to project onto")
	ldaComponents := flags.Int("lda-components", 20, "singular-vector basis size for the discriminant solve")
	flags.IntVar(&cmd.fdr.bins, "bins", 90, "histogram bins for the local fdr density fit")
	flags.IntVar(&cmd.fdr.degree, "degree", 7, "polynomial degree for the local fdr density fit")
	flags.Float64Var(&cmd.fdr.threshold, "threshold", 0.1, "FDR threshold for both filters")
	cmd.trainer.Flags(flags)
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	fnm, err := fetchDataset(*url, *inputFilename)
	if err != nil {
		return err
	}
	ds, err := loadDataset(fnm)
	if err != nil {
		return err
	}
	n, p := ds.dims()

	var summary struct {
		Samples           int
		Genes             int
		RejectionCases    int
		VarianceExplained []float64
		CumulativeTop10   float64
		GenesBH           int
		GenesLocalFdr     int
		GenesSignificant  int
		TopGenes          []string
		TrainSize         int
		TestSize          int
		Models            []modelEval
		BestModel         string
	}
	summary.Samples, summary.Genes = n, p
	summary.RejectionCases = ds.cases()

	log.Info("computing SVD")
	f, err := computeSVD(ds.X)
	if err != nil {
		return err
	}
	prop, cum := f.varianceExplained()
	top := 10
	if top > len(prop) {
		top = len(prop)
	}
	summary.VarianceExplained = prop[:top]
	summary.CumulativeTop10 = cum[top-1]
	err = writeVarianceTable(*outputDir+"/variance.csv", f.d, prop, cum)
	if err != nil {
		return err
	}
	scores := f.project(*components)
	err = writeMatrixNumpy(*outputDir+"/pca.npy", scores)
	if err != nil {
		return err
	}
	err = writeScoresCSV(*outputDir+"/scores.csv", ds, scores)
	if err != nil {
		return err
	}

	log.Info("fitting linear discriminant")
	d, err := fitDiscriminant(f, ds.Y, *ldaComponents)
	if err != nil {
		return err
	}
	err = writeNumpyFloat64(*outputDir+"/lda.npy", d.scores, len(d.scores), 1)
	if err != nil {
		return err
	}

	log.Info("testing genes")
	results := ttestColumns(ds)
	screens, hits, err := screenGenes(results, cmd.fdr.bins, cmd.fdr.degree, cmd.fdr.threshold)
	if err != nil {
		return err
	}
	for _, gs := range screens {
		if gs.q < cmd.fdr.threshold {
			summary.GenesBH++
		}
		if gs.localFdr < cmd.fdr.threshold {
			summary.GenesLocalFdr++
		}
	}
	summary.GenesSignificant = len(hits)
	for i := 0; i < 10 && i < len(hits); i++ {
		summary.TopGenes = append(summary.TopGenes, hits[i].gene)
	}
	err = writeGeneList(*outputDir+"/genes.csv", hits)
	if err != nil {
		return err
	}

	cmd.trainer.samplesOut = *outputDir + "/samples.csv"
	report, err := cmd.trainer.train(ds)
	if err != nil {
		return err
	}
	summary.TrainSize = report.TrainSize
	summary.TestSize = report.TestSize
	summary.Models = report.Models
	summary.BestModel = report.Best

	fnm = *outputDir + "/summary.json"
	out, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	err = enc.Encode(summary)
	if err != nil {
		return err
	}
	err = out.Close()
	if err != nil {
		return err
	}
	log.Infof("wrote %s", fnm)
	return json.NewEncoder(stdout).Encode(summary)
}
