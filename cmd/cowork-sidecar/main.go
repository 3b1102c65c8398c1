// Package main is the entry point for the cowork agent sidecar.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sevir/cowork/internal/agent"
	"github.com/sevir/cowork/internal/config"
	"github.com/sevir/cowork/internal/logger"
	"github.com/sevir/cowork/internal/orchestrator"
	"github.com/sevir/cowork/internal/server"
	"github.com/sevir/cowork/internal/store"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	binary     string
	maxTasks   int
	httpAddr   string
	logLevel   string
	logFormat  string
	noPTY      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cowork-sidecar",
		Short: "Supervise opencode agent tasks over a JSON-lines protocol",
		Long: `Run the agent sidecar.

Commands are read from stdin, one JSON object per line. Every task event is
written to stdout as one JSON object per line. Logs go to stderr.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSidecar(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to config file (YAML or JSON)")
	flags.StringVar(&binary, "binary", "", "Agent CLI binary (default: opencode)")
	flags.IntVar(&maxTasks, "max-tasks", 0, "Maximum concurrent tasks")
	flags.StringVar(&httpAddr, "http", "", "Serve the HTTP surface on this address")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "Log format: json, console, auto")
	flags.BoolVar(&noPTY, "no-pty", false, "Launch agents with pipes instead of a pseudo-terminal")

	root.AddCommand(newInitCmd(), newVersionCmd(), newCheckCmd())
	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cowork-sidecar %s (%s)\n", version, commit)
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether the agent CLI is installed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			srv := server.New(server.Config{
				Logger:         logger.NewNop(),
				AgentBinary:    cfg.Agent.Binary,
				InstallCommand: cfg.Agent.InstallCommand,
			})
			status := srv.CheckCLI(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(status); err != nil {
				return err
			}
			if !status.Installed {
				return fmt.Errorf("%s not found in PATH", cfg.Agent.Binary)
			}
			return nil
		},
	}
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("binary") {
		cfg.Agent.Binary = binary
	}
	if flags.Changed("max-tasks") {
		cfg.Orchestrator.MaxConcurrentTasks = maxTasks
	}
	if flags.Changed("http") {
		cfg.Server.HTTPAddr = httpAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if noPTY {
		cfg.Agent.UsePTY = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSidecar(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
		ParserMaxBytes:     cfg.Orchestrator.ParserMaxBytes,
		TaskTimeout:        cfg.Orchestrator.TaskTimeout.Std(),
		DefaultModel:       cfg.DefaultModel,
		Command: &agent.OpenCodeCommand{
			Binary:     cfg.Agent.Binary,
			ExtraArgs:  cfg.Agent.ExtraArgs,
			Env:        cfg.Agent.Env,
			ConfigFile: cfg.Agent.ConfigFile,
			UsePTY:     cfg.Agent.UsePTY,
			Cols:       cfg.Agent.Cols,
			Rows:       cfg.Agent.Rows,
		},
		Launcher: agent.NewExecLauncher(log, cfg.Agent.DrainTimeout.Std()),
		Store:    store.NewMemoryStore(cfg.Orchestrator.HistoryLimit),
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv := server.New(server.Config{
		Orchestrator:   orch,
		Version:        version,
		Commit:         commit,
		HTTPAddr:       cfg.Server.HTTPAddr,
		Logger:         log,
		AgentBinary:    cfg.Agent.Binary,
		InstallCommand: cfg.Agent.InstallCommand,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("sidecar starting",
		zap.String("version", version),
		zap.String("binary", cfg.Agent.Binary),
		zap.Int("max_concurrent_tasks", cfg.Orchestrator.MaxConcurrentTasks),
		zap.Bool("pty", cfg.Agent.UsePTY),
		zap.String("http_addr", cfg.Server.HTTPAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// End of input ends the sidecar.
		defer stop()
		return srv.Run(gctx)
	})
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	log.Info("shutting down")
	if err := orch.Shutdown(); err != nil {
		log.Error("orchestrator shutdown error", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("sidecar stopped with error", zap.Error(runErr))
		return runErr
	}
	return nil
}
