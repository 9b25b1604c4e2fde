// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var version = "development"

// handler is implemented by every subcommand.
type handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var handlers = map[string]handler{
	"fetch": &fetcher{},
	"svd":   &svdcmd{},
	"lda":   &ldacmd{},
	"ttest": &ttestcmd{},
	"fdr":   &fdrcmd{},
	"train": &trainer{},
	"plot":  &pythonPlot{},
	"run":   &pipeline{},
}

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(runCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func runCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(prog, stderr)
		return 2
	}
	switch args[0] {
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "%s %s\n", prog, version)
		return 0
	case "help", "-help", "--help":
		usage(prog, stdout)
		return 0
	}
	cmd, ok := handlers[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		usage(prog, stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func usage(prog string, out io.Writer) {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(out, "usage: %s <command> [options]\n\ncommands:\n", prog)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}
	fmt.Fprintf(out, "\nrun '%s <command> -help' for command options\n", prog)
}
