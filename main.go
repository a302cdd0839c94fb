// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Velaire Systems
//
// Cellnode - air cell controller node
//
// Bedside controller for a multi-zone air cell mattress: accepts control
// packets from the master server over TCP and drives the cell
// microcontroller over a serial link.

package main

import (
	"os"

	"github.com/velaire/cellnode/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
