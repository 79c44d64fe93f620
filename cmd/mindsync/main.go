// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command mindsync runs the MindClear sync engine against a local SQLite
// store and serves the reference record API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
