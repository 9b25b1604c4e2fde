// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package graft

import (
	"flag"
	"fmt"
	"io"
)

var errHelp = fmt.Errorf("help requested")

func newFlagSet(stderr io.Writer) *flag.FlagSet {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	return flags
}

// parseFlags parses args and rejects leftover positional arguments.
// The caller treats errHelp as success with no work to do.
func parseFlags(flags *flag.FlagSet, args []string) error {
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return errHelp
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	return nil
}
