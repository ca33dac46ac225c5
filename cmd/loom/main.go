// Package main provides the loom binary entry point. Loom is a
// template-driven workflow orchestrator for document-ingestion and
// chat-inference pipelines, running on NATS JetStream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinworks/loom/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "loom"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath   string
		templatesDir string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "loom",
		Short: "Template-driven workflow orchestrator",
		Long: `Loom plans YAML workflow templates into levelled task DAGs and runs
them on a distributed worker pool backed by NATS JetStream.

It provides:
- A DAG planner with soft-drop of unresolvable steps
- Built-in and prompt-based (LLM) step operations
- Webhook notification of terminal task states
- A REST surface for workflow submission and result retrieval`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, templatesDir, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&templatesDir, "templates", "", "Workflow templates directory")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, templatesDir, logLevel string) error {
	printBanner()

	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		base := config.DefaultConfig()
		base.Merge(cfg)
		cfg = base
	} else {
		cfg, err = config.NewLoader(logger).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	if templatesDir != "" {
		cfg.Templates.Dir = templatesDir
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app := NewApp(cfg, logger)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return err
	}

	logger.Info("Loom ready",
		"version", Version,
		"environment", cfg.Environment,
		"templates", cfg.Templates.Dir)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)
	logger.Info("Loom shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║               Loom v" + Version + "                     ║")
	fmt.Println("║      Template-Driven Workflow Engine          ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
