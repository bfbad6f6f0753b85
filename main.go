// chaterp - chat endpoint, terminal client and session store for the
// ChatERP assistant.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"os"

	"github.com/jeranaias/chaterp/internal/cli"
	"github.com/jeranaias/chaterp/internal/server"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
	server.Version = Version

	os.Exit(cli.Execute())
}
