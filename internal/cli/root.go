// Package cli implements the skillgate command line interface. Policy
// commands edit the policy document directly through the store's write path;
// audit commands talk to a running server.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRoot builds the root command.
func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "skillgate",
		Short:         "skillgate: per-extension network policy enforcement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("skillgate {{.Version}}\n")

	cmd.PersistentFlags().String("policies", getenvDefault("SKILLGATE_POLICIES", "policies.yml"), "Policy document path")
	cmd.PersistentFlags().String("server", getenvDefault("SKILLGATE_SERVER", "http://127.0.0.1:7777"), "skillgate server base URL")

	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newServerCmd())

	return cmd
}

func policiesPath(cmd *cobra.Command) string {
	path, _ := cmd.Root().PersistentFlags().GetString("policies")
	return path
}

func serverAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Root().PersistentFlags().GetString("server")
	return addr
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
