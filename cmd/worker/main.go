// Command worker is the Worker Runtime's agent process: it wires the
// Environment Composer (C1), Repository Preparer (C2), Executor Driver
// (C3), Verification Engine (C4), Recovery Orchestrator (C5), Policy
// Recovery Judge (C6), Task Pipeline (C7), Runtime Lock (C9), and the
// Postgres-backed Store together into the long-lived poll-and-heartbeat
// loop pkg/agent implements. It starts directly against a database URL —
// there is no cluster-join handshake in this runtime, just a store, a
// queue, and a git remote.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opentiger/worker-runtime/pkg/agent"
	"github.com/opentiger/worker-runtime/pkg/config"
	"github.com/opentiger/worker-runtime/pkg/env"
	"github.com/opentiger/worker-runtime/pkg/events"
	"github.com/opentiger/worker-runtime/pkg/executor"
	"github.com/opentiger/worker-runtime/pkg/health"
	"github.com/opentiger/worker-runtime/pkg/log"
	"github.com/opentiger/worker-runtime/pkg/metrics"
	"github.com/opentiger/worker-runtime/pkg/pipeline"
	"github.com/opentiger/worker-runtime/pkg/policyjudge"
	"github.com/opentiger/worker-runtime/pkg/recovery"
	"github.com/opentiger/worker-runtime/pkg/repo"
	"github.com/opentiger/worker-runtime/pkg/storage"
	"github.com/opentiger/worker-runtime/pkg/types"
	"github.com/opentiger/worker-runtime/pkg/vcs"
	"github.com/opentiger/worker-runtime/pkg/verify"
)

var (
	logLevel      string
	logJSON       bool
	agentID       string
	agentRole     string
	repoMode      string
	workspaceRoot string
	repoURL       string
	gitHubToken   string
	prOwner       string
	prRepo        string
	prBaseBranch  string
	metricsAddr   string
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Run a Worker Runtime agent that claims and executes tasks",
		RunE:  runWorker,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", true, "Emit structured JSON logs")
	root.Flags().StringVar(&agentID, "agent-id", "", "Stable agent identifier (defaults to a generated uuid)")
	root.Flags().StringVar(&agentRole, "role", "", "Task role this agent polls for (empty polls all roles)")
	root.Flags().StringVar(&repoMode, "repo-mode", "clone", "Repository preparer mode: clone, worktree, or in_place")
	root.Flags().StringVar(&workspaceRoot, "workspace-root", "/var/lib/opentiger/workspaces", "Root directory for clone-mode working trees")
	root.Flags().StringVar(&repoURL, "repo-url", "", "Git remote URL to clone task repositories from")
	root.Flags().StringVar(&gitHubToken, "github-token", "", "GitHub token for cloning and PR creation (defaults to GITHUB_TOKEN)")
	root.Flags().StringVar(&prOwner, "pr-owner", "", "GitHub repository owner for pull request creation")
	root.Flags().StringVar(&prRepo, "pr-repo", "", "GitHub repository name for pull request creation")
	root.Flags().StringVar(&prBaseBranch, "pr-base-branch", "main", "Base branch pull requests are opened against")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "Listen address for /metrics, /health, /ready, /live")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	cfg := config.Load()

	if agentID == "" {
		agentID = uuid.New().String()
	}
	if gitHubToken == "" {
		gitHubToken = os.Getenv("GITHUB_TOKEN")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("worker: connect to store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	vcsClient := vcs.NewGitHubVCS(ctx, gitHubToken)
	metrics.RegisterComponent("executor", true, "")

	startDependencyHealthChecks(ctx, cfg.DatabaseURL)

	preparer := repo.New(repo.Config{
		Mode:          repo.Mode(repoMode),
		WorkspaceRoot: workspaceRoot,
		RepoURL:       repoURL,
		GitToken:      gitHubToken,
		BaseBranch:    prBaseBranch,
	}, vcsClient)

	execDriver := executor.New(executor.Config{
		BinaryPath:              "opencode",
		TimeoutCapSeconds:       cfg.TaskTimeoutCapSeconds,
		HardTimeoutGraceSeconds: 30,
		DoomLoopMarkers:         executor.DefaultDoomLoopMarkers,
		ImmediateDoomRecovery:   cfg.ImmediateDoomRecovery,
	})
	composedExecutor := &envComposingExecutor{inner: execDriver, store: store, composer: env.NewDefaultComposer(nil)}

	verifyEngine := verify.New(vcsClient, cfg.VerifyCommandTimeout)

	var judge recovery.Judge
	if cfg.PolicyRecoveryUseLLM {
		judge = policyjudge.New(policyjudge.Config{
			Enabled:        true,
			Model:          cfg.PolicyRecoveryModel,
			TimeoutSeconds: cfg.PolicyJudgeTimeoutSeconds,
			APIKey:         os.Getenv("ANTHROPIC_API_KEY"),
		})
	}
	metrics.RegisterComponent("policy-judge", judge != nil, "")

	broker := events.NewBroker(store)
	broker.Start()
	defer broker.Stop()

	persistAllowedPaths := func(ctx context.Context, taskID string, allowedPaths []string) error {
		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		task.AllowedPaths = allowedPaths
		return store.UpdateTask(ctx, task)
	}

	orchestrator := recovery.New(
		composedExecutor, verifyEngine, judge, vcsClient, broker,
		recovery.Budgets{
			PolicyRecoveryAttempts:   cfg.PolicyRecoveryAttempts,
			NoChangeRecoveryAttempts: cfg.NoChangeRecoveryAttempts,
			VerifyRecoveryAttempts:   cfg.VerifyRecoveryAttempts,
		},
		recovery.Toggles{
			PolicyRecoveryUseLLM:    cfg.PolicyRecoveryUseLLM,
			VerifyLLMInlineRecovery: cfg.VerifyLLMInlineRecovery,
		},
		recovery.DefaultAutoAllowRules, isGeneratedArtifact, persistAllowedPaths,
	)

	pl := pipeline.New(pipeline.Config{
		Mode:          repo.Mode(repoMode),
		PROwner:       prOwner,
		PRRepo:        prRepo,
		PRBaseBranch:  prBaseBranch,
		RuntimeConfig: cfg,
	}, preparer, composedExecutor, verifyEngine, orchestrator, vcsClient, store, broker)

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	a := agent.New(agent.Config{
		ID:              agentID,
		Role:            types.TaskRole(agentRole),
		LockDir:         cfg.TaskLockDir,
		LogDir:          cfg.LogDir,
		HeartbeatPeriod: 5 * time.Second,
	}, store, pl)

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("worker: start agent: %w", err)
	}
	metrics.RegisterComponent("queue", true, "")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed", err)
		}
	}()

	log.Info(fmt.Sprintf("worker agent %s started, role=%q, metrics on %s", agentID, agentRole, metricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining in-flight run")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	a.Stop(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	return nil
}

// startDependencyHealthChecks runs a background ticker that probes the two
// external dependencies this binary cannot function without — the database
// and the GitHub API — and republishes their status through
// pkg/metrics.UpdateComponent, so /health and /ready reflect real upstream
// reachability rather than just process liveness. Built on pkg/health's
// generic Checker abstraction, used here for outbound dependency probing.
func startDependencyHealthChecks(ctx context.Context, databaseURL string) {
	checkers := map[string]health.Checker{
		"github-api": health.NewHTTPChecker("https://api.github.com"),
	}
	if addr := dbHostPort(databaseURL); addr != "" {
		checkers["database"] = health.NewTCPChecker(addr)
	}

	probe := func() {
		for name, checker := range checkers {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			result := checker.Check(checkCtx)
			cancel()
			metrics.UpdateComponent(name, result.Healthy, result.Message)
		}
	}
	probe()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				probe()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// dbHostPort extracts "host:port" from a postgres:// connection URL, or ""
// if it cannot be parsed (the TCP dependency check is then simply skipped).
func dbHostPort(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	return u.Host + ":5432"
}

// envComposingExecutor layers the Environment Composer (C1) in front of the
// Executor Driver (C3): every request's Env is built fresh from the
// sanitized parent environment, the repo's .env overlay, and the
// database-sourced config allowlist, combined in three layers.
// Composer.Compose reads the parent environment and the workdir's .env
// itself on each call; the allowlisted keys come from the database and are
// refreshed here on every run to pick up rotated keys without a restart.
type envComposingExecutor struct {
	inner    *executor.Driver
	store    storage.Store
	composer *env.Composer
}

var executorAllowlistKeys = []string{
	"ANTHROPIC_API_KEY",
	"OPENCODE_DEFAULT_MODEL",
}

func (e *envComposingExecutor) Run(ctx context.Context, req executor.Request) (*executor.Result, error) {
	values := make(map[string]string, len(executorAllowlistKeys))
	for _, key := range executorAllowlistKeys {
		if v, err := e.store.GetConfigValue(ctx, key); err == nil && v != "" {
			values[key] = v
		}
	}
	e.composer.ConfigValues = values

	composed, err := e.composer.Compose(req.Workdir)
	if err != nil {
		return nil, fmt.Errorf("worker: compose environment: %w", err)
	}
	req.Env = composed
	return e.inner.Run(ctx, req)
}

// isGeneratedArtifact matches the handful of build-output directories the
// recovery orchestrator's generated-artifact recovery mode is allowed to
// discard without the policy judge's involvement.
func isGeneratedArtifact(repoPath, relPath string) bool {
	for _, prefix := range []string{"dist/", "build/", "node_modules/", ".next/", "coverage/"} {
		if len(relPath) >= len(prefix) && relPath[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
