package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "strand",
		Short: "Embeddable HTTP dispatch engine with graceful draining",
		Long: `Strand is an embeddable HTTP request/upgrade dispatch engine.

It matches inbound exchanges against an ordered route table, runs
handler chains under a four-way routing protocol, guarantees lifecycle
teardown on every exit path, and drains live connections in two phases
(soft, then hard) on shutdown or reconfiguration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
