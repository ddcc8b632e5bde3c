package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/amonhq/amon/internal/billing"
	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/chatmodel"
	anthropicmodel "github.com/amonhq/amon/internal/chatmodel/anthropic"
	openaimodel "github.com/amonhq/amon/internal/chatmodel/openai"
	"github.com/amonhq/amon/internal/config"
	"github.com/amonhq/amon/internal/eventlog"
	"github.com/amonhq/amon/internal/httpapi"
	"github.com/amonhq/amon/internal/project"
	"github.com/amonhq/amon/internal/sandbox"
	"github.com/amonhq/amon/internal/telemetry"
	"github.com/amonhq/amon/internal/tool"
)

func newUICmd(configPath *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve the localhost UI API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if port <= 0 || port > 65535 {
				return validationf("invalid port %d", port)
			}
			srv, cleanup, err := buildServer(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			addr := fmt.Sprintf("127.0.0.1:%d", port)
			fmt.Fprintln(cmd.OutOrStdout(), "amon ui listening on http://"+addr)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			return httpServer.ListenAndServe()
		},
	}
	cmd.Flags().IntVar(&port, "port", 8787, "listen port")
	return cmd
}

// buildServer wires the shared process-wide collaborators (config holder,
// bus, billing ledger, model client, tool registry) into an API server.
func buildServer(cfg config.Config) (*httpapi.Server, func(), error) {
	logger := telemetry.NewZerologLogger(os.Stderr, "ui")
	providers := telemetry.Setup("amon", nil, nil)
	holder := config.NewHolder(cfg)

	eventBus := bus.New(bus.Options{
		BufferSize:   cfg.Bus.BufferSize,
		DedupeWindow: time.Duration(cfg.Bus.DedupeWindowS * float64(time.Second)),
	})

	billingLog, err := eventlog.Open(eventlog.Options{
		Path:        filepath.Join(cfg.DataDir, "logs", "billing.log"),
		RotateBytes: cfg.RotateBytes,
	})
	if err != nil {
		return nil, nil, err
	}
	auditLog, err := eventlog.Open(eventlog.Options{
		Path:        filepath.Join(cfg.DataDir, "logs", "audit.jsonl"),
		RotateBytes: cfg.RotateBytes,
	})
	if err != nil {
		billingLog.Close()
		return nil, nil, err
	}

	ledger := billing.New(billing.Options{
		DailyBudget:      cfg.Billing.DailyBudget,
		PerProjectBudget: cfg.Billing.PerProjectBudget,
		Log:              billingLog,
	})

	registry := prometheus.NewRegistry()
	srv := httpapi.New(httpapi.Options{
		Config:   holder,
		Projects: project.NewStore(cfg.DataDir),
		Bus:      eventBus,
		Billing:  ledger,
		Model:    buildModel(),
		Tools:    tool.NewRegistry(),
		Sandbox:  buildSandbox(),
		Logger:   logger,
		Metrics:  providers.Metrics,
		Registry: registry,
		AuditLog: auditLog,
	})
	cleanup := func() {
		eventBus.Close()
		_ = billingLog.Close()
		_ = auditLog.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}
	return srv, cleanup, nil
}

// buildModel selects a provider from the environment; no credentials means
// no model, and LLM nodes fail with a configuration error when dispatched.
func buildModel() chatmodel.ChatModel {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c, err := anthropicmodel.NewFromAPIKey(key, anthropicmodel.Options{
			DefaultModel: "claude-sonnet-4-5",
		})
		if err == nil {
			return c
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c, err := openaimodel.NewFromAPIKey(key, openaimodel.Options{
			DefaultModel: "gpt-4o",
		})
		if err == nil {
			return c
		}
	}
	return nil
}

func buildSandbox() sandbox.Runner {
	base := os.Getenv("SANDBOX_RUNNER_URL")
	if base == "" {
		return nil
	}
	return sandbox.NewHTTPRunner(base, os.Getenv("SANDBOX_RUNNER_API_KEY"))
}
