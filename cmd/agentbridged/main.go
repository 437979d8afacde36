package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentbridge/agentbridge/internal/agentrunner"
	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/internal/ingress"
	"github.com/agentbridge/agentbridge/internal/logging"
	"github.com/agentbridge/agentbridge/internal/processor"
	"github.com/agentbridge/agentbridge/internal/provider"
	"github.com/agentbridge/agentbridge/internal/provider/github"
	"github.com/agentbridge/agentbridge/internal/provider/linear"
	"github.com/agentbridge/agentbridge/internal/queue"
	"github.com/agentbridge/agentbridge/internal/statestore"
	"github.com/agentbridge/agentbridge/internal/workspace"
)

var version = "dev"

const defaultAddr = ":3847"

func usage() {
	fmt.Fprintf(os.Stderr, `agentbridged — webhook-triggered coding agent daemon

Usage:
  agentbridged serve [flags]   Start the HTTP server

Flags:
  --addr   Address to listen on (default: ":$PORT", %s when PORT is unset)

Apart from --addr, configuration is read from the environment; see SPEC_FULL.md §10.2.
`, defaultAddr)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("agentbridged " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "agentbridged %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	addr := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--addr" && i+1 < len(args) {
			addr = args[i+1]
			i++
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}

	logger := logging.NewConsole(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var providers []provider.Provider
	if cfg.Linear.Configured() {
		client := linear.NewClient(cfg.Linear.APIKey)
		providers = append(providers, linear.New(client, linear.Config{
			WebhookSecret:    cfg.Linear.WebhookSecret,
			TriggerLabel:     cfg.Linear.TriggerLabel,
			RepoCustomField:  cfg.Linear.RepoCustomField,
			InProgressStatus: cfg.Linear.InProgressStatus,
			ReviewStatus:     cfg.Linear.ReviewStatus,
			IncludeComments:  cfg.IncludeComments,
		}))
		logger.Info("linear provider configured")
	}
	if cfg.GitHub.Configured() {
		var opts []github.Option
		if cfg.GitHub.UsesAppAuth() {
			opts = append(opts, github.WithAppAuth(github.AppCredentials{
				AppID:          cfg.GitHub.AppID,
				InstallationID: cfg.GitHub.AppInstallationID,
				PrivateKeyPath: cfg.GitHub.AppPrivateKeyPath,
			}))
		}
		client, err := github.NewClient(cfg.GitHub.Token, opts...)
		if err != nil {
			return fmt.Errorf("constructing github client: %w", err)
		}
		providers = append(providers, github.New(client, github.Config{
			WebhookSecret:   cfg.GitHub.WebhookSecret,
			TriggerLabel:    cfg.GitHub.TriggerLabel,
			InProgressLabel: cfg.GitHub.InProgressLabel,
			ReviewLabel:     cfg.GitHub.ReviewLabel,
		}))
		logger.Info("github provider configured")
	}
	registry := provider.NewRegistry(providers...)

	q := queue.New(cfg.MaxConcurrentTask)

	store := statestore.New("state.json")
	records := store.Load()
	if len(records) > 0 {
		logger.Warn("recovering from unclean shutdown, restoring prior running tasks as visible but not resumed", "count", len(records))
		q.RestoreRunning(statestore.ToTasks(records))
	}

	wsManager := workspace.New(cfg.ReposBasePath, cfg.WorktreesPath)
	runningPaths := make(map[string]bool)
	for _, t := range q.RunningTasks() {
		runningPaths[t.WorkspacePath] = true
	}
	if err := wsManager.CleanupOrphans(ctx, runningPaths, cfg.AutoCleanOrphans); err != nil {
		logger.Warn("orphan worktree cleanup failed", "err", err)
	}

	issueLogs := logging.NewIssueLogger(filepath.Join(cfg.WorktreesPath, "..", "logs"))
	defer issueLogs.Close()

	runner := &agentrunner.Runner{
		Registry:  registry,
		Workspace: wsManager,
		Binary:    cfg.AgentBinary,
		Timeout:   cfg.AgentTimeout,
		IssueLogs: issueLogs.ForIssue,
	}

	hub := ingress.NewHub()
	proc := processor.New(q, runner, store, hub)
	proc.Start(ctx)

	srv, err := ingress.New(addr, registry, q, proc, hub, cfg.ReposBasePath, cfg.WorktreesPath)
	if err != nil {
		return fmt.Errorf("binding http server: %w", err)
	}
	logger.Info("agentbridged listening", "addr", srv.Addr())

	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("serving http: %w", err)
	}
	logger.Info("agentbridged shut down")
	return nil
}
