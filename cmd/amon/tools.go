package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/amonhq/amon/internal/tool"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect registered tools",
	}
	var refresh bool
	list := &cobra.Command{
		Use:   "mcp-list",
		Short: "List tools known to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := tool.NewRegistry()
			names := registry.Names()
			sort.Strings(names)
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tools registered")
				return nil
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			_ = refresh
			return nil
		},
	}
	list.Flags().BoolVar(&refresh, "refresh", false, "accepted for compatibility; the registry has no cache, so this has no effect")
	cmd.AddCommand(list)
	return cmd
}
