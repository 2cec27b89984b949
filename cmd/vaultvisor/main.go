// Package main is the entry point for the vaultvisor binary.
// It wires all internal packages together and starts the supervision loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Optionally open the history database (non-fatal if unset)
//  4. Optionally start the /metrics and /healthz server (non-fatal if unset)
//  5. Build the Runner and run it until SIGINT/SIGTERM/SIGHUP/SIGQUIT
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/interbtc-io/vaultvisor/internal/health"
	"github.com/interbtc-io/vaultvisor/internal/history"
	"github.com/interbtc-io/vaultvisor/internal/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	clientType      string
	parachainWS     string
	downloadPath    string
	prometheusAddr  string
	historyDB       string
	logLevel        string
	preUpgradeHook  string
	postUpgradeHook string
	workerArgs      []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "vaultvisor [worker args...]",
		Short: "vaultvisor — auto-updating supervisor for interBTC client binaries",
		Long: `vaultvisor watches a parachain's VaultRegistry::CurrentClientRelease
storage item for a release announcement, downloads the advertised binary,
and supervises exactly one instance of it, restarting onto the new release
whenever the chain advertises a change.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.workerArgs = args
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.Flags().StringVar(&cfg.clientType, "client-type", envOrDefault("VAULTVISOR_CLIENT_TYPE", "vault"), "Client type being supervised (vault, oracle, faucet); used as a log label only")
	root.Flags().StringVar(&cfg.parachainWS, "parachain-ws", envOrDefault("VAULTVISOR_PARACHAIN_WS", "ws://127.0.0.1:9944"), "Parachain node websocket RPC address")
	root.Flags().StringVar(&cfg.downloadPath, "download-path", envOrDefault("VAULTVISOR_DOWNLOAD_PATH", defaultDownloadPath()), "Directory releases are downloaded and run from")
	root.Flags().StringVar(&cfg.prometheusAddr, "prometheus-addr", envOrDefault("VAULTVISOR_PROMETHEUS_ADDR", ""), "Address to serve /metrics and /healthz on (empty = disabled)")
	root.Flags().StringVar(&cfg.historyDB, "history-db", envOrDefault("VAULTVISOR_HISTORY_DB", ""), "Path to a sqlite database to record install/upgrade/terminate events (empty = disabled)")
	root.Flags().StringVar(&cfg.logLevel, "log-level", envOrDefault("VAULTVISOR_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.Flags().StringVar(&cfg.preUpgradeHook, "pre-upgrade-hook", envOrDefault("VAULTVISOR_PRE_UPGRADE_HOOK", ""), "Shell command run after the outdated client is terminated and before the new one is installed")
	root.Flags().StringVar(&cfg.postUpgradeHook, "post-upgrade-hook", envOrDefault("VAULTVISOR_POST_UPGRADE_HOOK", ""), "Shell command run after the new client has been spawned")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vaultvisor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting vaultvisor",
		zap.String("version", version),
		zap.String("client_type", cfg.clientType),
		zap.String("parachain_ws", cfg.parachainWS),
		zap.String("download_path", cfg.downloadPath),
	)

	if err := os.MkdirAll(cfg.downloadPath, 0o700); err != nil {
		return fmt.Errorf("failed to create download path: %w", err)
	}

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer cancel()

	// --- History (optional) ---
	var recorder *history.Recorder
	if cfg.historyDB != "" {
		recorder, err = history.Open(cfg.historyDB)
		if err != nil {
			logger.Warn("failed to open history database, audit events will not be recorded", zap.Error(err))
		} else {
			defer recorder.Close()
			logger.Info("recording audit events", zap.String("history_db", cfg.historyDB))
		}
	}

	// --- Health/metrics (optional) ---
	var healthServer *health.Server
	if cfg.prometheusAddr != "" {
		healthServer = health.NewServer()
		go func() {
			if err := healthServer.ListenAndServe(ctx, cfg.prometheusAddr); err != nil {
				logger.Warn("health server stopped unexpectedly", zap.Error(err))
			}
		}()
		logger.Info("serving metrics and healthz", zap.String("addr", cfg.prometheusAddr))
	}

	runnerCfg := runner.Config{
		ClientType:      cfg.clientType,
		ParachainWS:     cfg.parachainWS,
		DownloadDir:     cfg.downloadPath,
		WorkerArgs:      cfg.workerArgs,
		Logger:          logger,
		PreUpgradeHook:  cfg.preUpgradeHook,
		PostUpgradeHook: cfg.postUpgradeHook,
	}
	if recorder != nil {
		runnerCfg.Audit = recorder
	}
	if healthServer != nil {
		runnerCfg.Health = healthServer
	}

	r := runner.New(runnerCfg)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM/SIGHUP/SIGQUIT) or a
	// fatal supervision error occurs.
	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("supervision loop exited: %w", err)
	}

	logger.Info("vaultvisor stopped")
	return nil
}

// defaultDownloadPath returns the default directory releases are installed
// into: the current working directory, per spec §6.
func defaultDownloadPath() string {
	return "."
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
