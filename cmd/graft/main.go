// Copyright (C) The Graft Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/graftlab/graft"

func main() {
	graft.Main()
}
