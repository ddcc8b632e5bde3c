package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amonhq/amon/internal/sandbox"
)

func newSandboxCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Interact with the sandbox runner",
	}
	cmd.AddCommand(newSandboxExecCmd())
	return cmd
}

func newSandboxExecCmd() *cobra.Command {
	var runnerURL string
	cmd := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Execute a command in the sandbox runner",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runnerURL == "" {
				runnerURL = os.Getenv("SANDBOX_RUNNER_URL")
			}
			if runnerURL == "" {
				return validationf("sandbox runner URL is required (--runner or SANDBOX_RUNNER_URL)")
			}
			runner := sandbox.NewHTTPRunner(runnerURL, os.Getenv("SANDBOX_RUNNER_API_KEY"))
			result, err := runner.Exec(cmd.Context(), sandbox.Request{
				Command: args[0],
				Args:    args[1:],
			})
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(result, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			if result.ExitCode != 0 {
				return fmt.Errorf("sandbox command exited %d", result.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runnerURL, "runner", "", "sandbox runner base URL")
	return cmd
}
