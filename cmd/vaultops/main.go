// Package main is the entry point for the vaultops CLI.
//
// vaultops brings a Raft-backed Vault cluster from freshly installed nodes to
// an initialized, unsealed, joined and provisioned cluster, and can be re-run
// against a cluster in any intermediate state.
//
// Commands: setup, probe, snapshot, version.
//
// For detailed usage information, run:
//
//	vaultops --help
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arpanrec/linode-stack/cmd/vaultops/commands"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
