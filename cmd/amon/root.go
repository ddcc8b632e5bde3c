package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/amonhq/amon/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "amon",
		Short:         "Amon local agent platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default <data>/config.yaml)")

	root.AddCommand(newUICmd(&configPath))
	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newSandboxCmd(&configPath))
	root.AddCommand(newToolforgeCmd())
	root.AddCommand(newToolsCmd())
	return root
}

// loadConfig resolves and loads the configuration snapshot, honoring
// AMON_HOME/AMON_DATA_DIR through config defaults.
func loadConfig(configPath string) (config.Config, error) {
	if configPath == "" {
		configPath = filepath.Join(config.Default().DataDir, "config.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
