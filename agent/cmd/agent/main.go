// Package main is the entry point for the fctrl-agent binary.
// It wires the process supervisor, version installer, RCON client and
// WebSocket server together and runs until SIGINT/SIGTERM.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the install manager, process supervisor and savefile/config stores
//  4. Start the AgentServer (WebSocket listener)
//  5. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/circlesabound/fctrl/agent/internal/controller"
	"github.com/circlesabound/fctrl/agent/internal/install"
	"github.com/circlesabound/fctrl/agent/internal/process"
	agentserver "github.com/circlesabound/fctrl/agent/internal/server"
	"github.com/circlesabound/fctrl/agent/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	bindAddr      string
	stateDir      string
	downloadURL   string
	serverBind    string
	rconBind      string
	rconPassword  string
	logLevel      string
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
		Use:   "fctrl-agent",
		Short: "fctrl agent — per-host control plane for a game server process",
		Long: `fctrl agent runs on the machine hosting a game server process.
It owns that process's lifecycle, RCON connection, configuration files and
savefiles, and exposes them over a WebSocket link that a management server
dials into.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.bindAddr, "bind", envOrDefault("FCTRL_AGENT_BIND", ":8080"), "address the Agent WebSocket server listens on")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("FCTRL_STATE_DIR", defaultStateDir()), "directory for installs, saves, config and mods")
	root.PersistentFlags().StringVar(&cfg.downloadURL, "download-url", envOrDefault("FCTRL_DOWNLOAD_URL", ""), "base URL releases are fetched from as <url>/<version>/archive.tar.gz")
	root.PersistentFlags().StringVar(&cfg.serverBind, "server-bind", envOrDefault("FCTRL_SERVER_BIND", "0.0.0.0:34197"), "bind address passed to the hosted server process")
	root.PersistentFlags().StringVar(&cfg.rconBind, "rcon-bind", envOrDefault("FCTRL_RCON_BIND", "127.0.0.1:27015"), "RCON bind address passed to the hosted server process")
	root.PersistentFlags().StringVar(&cfg.rconPassword, "rcon-password", envOrDefault("FCTRL_RCON_PASSWORD", ""), "RCON password passed to the hosted server process")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FCTRL_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fctrl-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.rconPassword == "" {
		logger.Warn("rcon-password not configured — the hosted server will run with no RCON authentication")
	}

	logger.Info("starting fctrl agent",
		zap.String("version", version),
		zap.String("bind", cfg.bindAddr),
		zap.String("state_dir", cfg.stateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	installsDir := cfg.stateDir + "/installs"
	savesDir := cfg.stateDir + "/saves"
	configDir := cfg.stateDir + "/config"

	if cfg.downloadURL == "" {
		logger.Warn("download-url not configured — VersionInstall will fail until one is set")
	}
	installMgr := install.NewManager(installsDir, install.HTTPDownloader(cfg.downloadURL))

	supervisor := process.NewSupervisor(logger)
	savefiles := store.NewSavefiles(savesDir)
	configFiles := store.NewConfigFiles(configDir)

	newCfg := func() controller.Config {
		return controller.Config{
			Supervisor:   supervisor,
			InstallMgr:   installMgr,
			Savefiles:    savefiles,
			ConfigFiles:  configFiles,
			BuildVersion: version,
			RconAddr:     func() string { return cfg.rconBind },
			RconPassword: func() string { return cfg.rconPassword },
			NewBuilder: func() *process.Builder {
				return process.NewBuilder(process.Paths{
					InstallDir:     installMgr.VersionDir(),
					SavesDir:       savesDir,
					ModsDir:        cfg.stateDir + "/mods",
					ServerSettings: configDir + "/server-settings.json",
					AdminList:      configDir + "/admin-list.json",
					BanList:        configDir + "/ban-list.json",
					WhiteList:      configDir + "/whitelist.json",
				}, process.LaunchSettings{
					ServerBind:   cfg.serverBind,
					RconBind:     cfg.rconBind,
					RconPassword: cfg.rconPassword,
				})
			},
			Logger: logger,
		}
	}

	srv := agentserver.New(cfg.bindAddr, newCfg, logger)

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("agent server stopped: %w", err)
	}

	logger.Info("fctrl agent stopped")
	return nil
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.fctrl"
	}
	return ".fctrl"
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
