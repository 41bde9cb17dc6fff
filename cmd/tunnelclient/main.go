// Package main provides the CLI entry point for the tunnel client.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnelclient",
		Short: "Tunnel client - userspace proxy core for a remote-desktop broker tunnel",
		Long: `tunnelclient dials a broker for a connection ticket, opens an
encrypted tunnel to the address the broker hands back, and forwards
local TCP connections through it as multiplexed channels.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	cfgCmd := configCmd()
	cfgCmd.GroupID = "admin"
	rootCmd.AddCommand(cfgCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// currentHostname returns the local hostname, falling back to a
// platform-qualified placeholder if it cannot be determined.
func currentHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-" + runtime.GOOS
	}
	return h
}
