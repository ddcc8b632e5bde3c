package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amonhq/amon/internal/graph"
	"github.com/amonhq/amon/internal/model"
	"github.com/amonhq/amon/internal/orchestrator"
	"github.com/amonhq/amon/internal/policy"
	"github.com/amonhq/amon/internal/project"
	"github.com/amonhq/amon/internal/sessionstore"
	"github.com/amonhq/amon/internal/tool"
	"github.com/amonhq/amon/internal/vault"
)

func newRunCmd(configPath *string) *cobra.Command {
	var projectID string
	var mode string
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Submit a one-shot run and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if strings.TrimSpace(prompt) == "" {
				return validationf("prompt must not be empty")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store := project.NewStore(cfg.DataDir)
			p, err := store.Load(projectID)
			if err != nil {
				p, err = store.Create(projectID)
				if err != nil {
					return err
				}
			}

			gate := policy.New(policy.Options{
				AllowedPrefixes: p.AllowedPrefixes,
				ProjectRoot:     p.Root,
				AllowRules:      []policy.Rule{{Tool: "*"}},
			})
			v := vault.New(vault.Options{ProjectRoot: p.Root, DataDir: cfg.DataDir, Resolver: gate})
			sessions, err := sessionstore.New(sessionstore.Options{ProjectDir: p.Root})
			if err != nil {
				return err
			}
			rt := graph.New(graph.Options{
				Project: p,
				RunsDir: p.Root + "/.amon/runs",
				Gate:    gate,
				Vault:   v,
				Caps: graph.Capabilities{
					Model: buildModel(),
					Tools: tool.NewRegistry(),
				},
				MaxParallelNodes: cfg.Runtime.MaxParallelNodes,
			})
			orch := orchestrator.New(orchestrator.Options{
				Project:  p,
				Sessions: sessions,
				Runtime:  rt,
			})

			turn, err := orch.Submit(cmd.Context(), "", prompt, graph.Mode(mode))
			if err != nil {
				return err
			}
			<-turn.Done
			run := turn.Handle.Wait()
			if v, ok := turn.Handle.StateValue("assistant_text"); ok {
				if text, _ := v.(string); text != "" {
					fmt.Fprintln(cmd.OutOrStdout(), text)
				}
			}
			if run.Status != model.RunSucceeded {
				return fmt.Errorf("run %s finished %s", run.RunID, run.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "default", "project id")
	cmd.Flags().StringVar(&mode, "mode", "", "graph mode (single|self_critique|team); empty auto-selects")
	return cmd
}
