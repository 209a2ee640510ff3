package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/promptpilot/promptpilot/internal/api"
	"github.com/promptpilot/promptpilot/internal/approval"
	"github.com/promptpilot/promptpilot/internal/auth"
	"github.com/promptpilot/promptpilot/internal/config"
	"github.com/promptpilot/promptpilot/internal/deploy"
	"github.com/promptpilot/promptpilot/internal/graph"
	"github.com/promptpilot/promptpilot/internal/metrics"
	"github.com/promptpilot/promptpilot/internal/notify"
	"github.com/promptpilot/promptpilot/internal/regression"
	"github.com/promptpilot/promptpilot/internal/scheduler"
	"github.com/promptpilot/promptpilot/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptpilot",
		Short: "Continuous prompt release engine for AI agents",
		Long:  "PromptPilot — version, approve, deploy, and watch agent prompts.\nA control plane that promotes prompt versions through approval gates and\nrolls back deployments that regress in production.",
	}

	var configFile string
	var port int
	var devMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the PromptPilot control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: promptpilot.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 3002)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show control plane health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Port of the running instance")

	// ─── approvals ───
	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "Approval workflow commands",
	}

	approvalsPendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d/approvals/pending", p))
			if err != nil {
				return fmt.Errorf("failed to connect to PromptPilot: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			var pending []map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			if len(pending) == 0 {
				fmt.Println("No pending approval requests.")
				return nil
			}
			fmt.Printf("%-38s %-38s %-10s %s\n", "REQUEST", "VERSION", "VOTES", "EXPIRES")
			fmt.Println(strings.Repeat("─", 100))
			for _, req := range pending {
				fmt.Printf("%-38v %-38v %v/%v      %v\n",
					req["id"], req["versionId"], req["currentApprovals"], req["requiredApprovals"], req["expiresAt"])
			}
			return nil
		},
	}
	approvalsCmd.AddCommand(approvalsPendingCmd)

	// ─── deployments ───
	deploymentsCmd := &cobra.Command{
		Use:   "deployments",
		Short: "Deployment lifecycle commands",
	}

	deploymentsCurrentCmd := &cobra.Command{
		Use:   "current [agent-id]",
		Short: "Show the active deployment for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d/deployments/agent/%s/current", p, args[0]))
			if err != nil {
				return fmt.Errorf("failed to connect to PromptPilot: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == http.StatusNotFound {
				fmt.Printf("Agent %s has no active deployment.\n", args[0])
				return nil
			}
			var dep map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&dep); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dep)
		},
	}

	var rollbackBy, rollbackReason string
	deploymentsRollbackCmd := &cobra.Command{
		Use:   "rollback [deployment-id]",
		Short: "Roll a deployment back to its predecessor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			body, _ := json.Marshal(map[string]string{
				"rolledBackBy": rollbackBy,
				"reason":       rollbackReason,
			})
			resp, err := http.Post(
				fmt.Sprintf("http://localhost:%d/deployments/%s/rollback", p, args[0]),
				"application/json", strings.NewReader(string(body)))
			if err != nil {
				return fmt.Errorf("failed to connect to PromptPilot: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				var e map[string]string
				_ = json.NewDecoder(resp.Body).Decode(&e)
				return fmt.Errorf("rollback failed (HTTP %d): %s", resp.StatusCode, e["error"])
			}
			fmt.Printf("✓ Deployment %s rolled back\n", args[0])
			return nil
		},
	}
	deploymentsRollbackCmd.Flags().StringVar(&rollbackBy, "by", "", "Acting reviewer email")
	deploymentsRollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "Rollback reason")

	deploymentsCmd.AddCommand(deploymentsCurrentCmd, deploymentsRollbackCmd)

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PromptPilot %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	rootCmd.AddCommand(startCmd, statusCmd, approvalsCmd, deploymentsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfgLoader.Validate(); err != nil {
		return err
	}

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage.
	st, err := store.NewSQLiteStore(cfg.Storage.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Notification gateway with the live WebSocket hub as an extra sink.
	gateway := notify.NewGateway(cfg.Notifications, logger)
	wsHub := notify.NewWSHub(logger, cfg.Server.CORS)
	gateway.AddSink(wsHub)

	// Service layer.
	checker := auth.NewChecker(st, logger)
	graphSvc := graph.NewService(st, logger)
	metricsSvc := metrics.NewService(st, cfg.Regression.MinSampleSize, logger)
	approvalSvc := approval.NewService(st, checker, gateway, logger)

	cfgFn := func() config.Config { return *cfgLoader.Get() }
	detector := regression.NewDetector(st, metricsSvc,
		func() config.RegressionConfig { return cfgLoader.Get().Regression }, gateway, logger)
	defer detector.Stop()

	ctrl := deploy.NewController(st, checker, approvalSvc, metricsSvc, detector, cfgFn, gateway, logger)
	detector.OnAutoRollback = func(ctx context.Context, deploymentID, reason string) {
		if _, err := ctrl.AutoRollback(ctx, deploymentID, reason); err != nil {
			logger.Error("auto rollback failed", "deployment_id", deploymentID, "error", err)
		}
	}

	sched := scheduler.New(st, approvalSvc, detector, ctrl, cfgFn, logger)
	sched.Start()
	defer sched.Stop()

	// Hot-reload thresholds and notification settings on config edits.
	if configFile != "" {
		watcher, err := config.NewWatcher(cfgLoader, configFile, nil, logger)
		if err != nil {
			logger.Warn("failed to create config watcher", "error", err)
		} else if err := watcher.Start(); err != nil {
			logger.Warn("failed to start config watcher", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	apiServer := api.NewServer(cfgFn, st, graphSvc, approvalSvc, ctrl, metricsSvc, detector, checker, wsHub, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("promptpilot started",
		"version", version,
		"port", cfg.Server.Port,
		"database", cfg.Storage.DatabaseURL,
	)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	gateway.Wait()
	return nil
}

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", p))
	if err != nil {
		fmt.Printf("✗ PromptPilot is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		fmt.Printf("✓ PromptPilot running on port %d (database: %v)\n", p, health["database"])
	} else {
		fmt.Printf("✗ PromptPilot degraded (HTTP %d, database: %v)\n", resp.StatusCode, health["database"])
	}
	return nil
}

func resolvePort(override int) int {
	if override > 0 {
		return override
	}
	if v := os.Getenv("PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			return p
		}
	}
	return 3002
}

func findConfigFile() string {
	for _, candidate := range []string{"promptpilot.yaml", "promptpilot.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
