// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	_ "embed"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

type pythonPlot struct{}

//go:embed plot.py
var plotscript string

// RunCommand renders pca or volcano plots from stage artifacts by
// feeding the embedded script to python3. Go does no rendering.
func (cmd *pythonPlot) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := newFlagSet(stderr)
	mode := flags.String("mode", "pca", "plot `kind`: pca or volcano")
	inputFilename := flags.String("i", "", "input `file` (scores.csv for pca, the fdr table for volcano)")
	outputFilename := flags.String("o", "", "output `filename` (e.g., './plot.png')")
	xComponent := flags.Int("x", 1, "1-based component to plot on x axis (pca mode)")
	yComponent := flags.Int("y", 2, "1-based component to plot on y axis (pca mode)")
	err = parseFlags(flags, args)
	if err == errHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *outputFilename == "" {
		fmt.Fprintln(stderr, "error: must specify -o filename.png (or try -help)")
		return 1
	}
	if *inputFilename == "" {
		fmt.Fprintln(stderr, "error: must specify -i input file (or try -help)")
		return 1
	}
	python := exec.Command("python3", "-",
		*mode,
		*inputFilename,
		fmt.Sprintf("%d", *xComponent),
		fmt.Sprintf("%d", *yComponent),
		*outputFilename)
	python.Stdin = strings.NewReader(plotscript)
	python.Stdout = stdout
	python.Stderr = stderr
	err = python.Run()
	if err != nil {
		return 1
	}
	return 0
}
