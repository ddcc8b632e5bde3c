package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// The toolforge subcommands name the tool installation lifecycle steps. The
// MCP transport that would back install/verify lives outside this process,
// so each command prints a structured "delegated" notice and exits 0; none
// of them reads or changes the tool registry.
func newToolforgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolforge",
		Short: "Manage tool installations",
	}
	for _, sub := range []string{"init", "install", "verify", "revoke", "enable"} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use:   sub,
			Short: fmt.Sprintf("%s a tool registration", sub),
			RunE: func(cmd *cobra.Command, args []string) error {
				fmt.Fprintf(cmd.OutOrStdout(), `{"status":"delegated","command":"toolforge %s","detail":"managed by the external tool transport"}`+"\n", sub)
				return nil
			},
		})
	}
	return cmd
}
