// Command mcp-broker runs the OAuth token broker as an MCP server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcp-broker",
		Short: "OAuth token broker for MCP servers",
		Long: `mcp-broker mediates identity between MCP callers, this server, and an
upstream content-management system. Callers authenticate with a session
token scoped to this server; the broker resolves short-lived delegated
credentials for upstream calls via pass-through, token exchange, or a
user-provisioned offline-access grant.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
