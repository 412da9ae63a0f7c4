// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ztgate is a zero-trust access gateway: two-step operator login with
// device trust scoring, role and clearance gated resources, and a
// hash-chained audit ledger.
package main

import (
	"fmt"
	"os"

	"github.com/jeranaias/ztgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
