// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad
//
// emsgate - EMS Bus Gateway
//
// A CLI tool for taking part in an EMS boiler bus as a service key: it
// answers polls, queues reads and writes, and decodes telegrams in
// human-readable format.

package main

import (
	"os"

	"github.com/Thermoquad/emsgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
