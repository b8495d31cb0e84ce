package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/circlesabound/fctrl/server/internal/agentlink"
	"github.com/circlesabound/fctrl/server/internal/agentmanager"
	"github.com/circlesabound/fctrl/server/internal/api"
	"github.com/circlesabound/fctrl/server/internal/auth"
	"github.com/circlesabound/fctrl/server/internal/db"
	"github.com/circlesabound/fctrl/server/internal/eventbroker"
	"github.com/circlesabound/fctrl/server/internal/maintenance"
	"github.com/circlesabound/fctrl/server/internal/notification"
	"github.com/circlesabound/fctrl/server/internal/opledger"
	"github.com/circlesabound/fctrl/server/internal/operationrouter"
	"github.com/circlesabound/fctrl/server/internal/promexport"
	"github.com/circlesabound/fctrl/server/internal/repositories"
	"github.com/circlesabound/fctrl/server/internal/rpchandler"
	"github.com/circlesabound/fctrl/server/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	secretKey     string
	logLevel      string
	dataDir       string
	secureCookies bool
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
		Use:   "fctrl-server",
		Short: "fctrl management server — multi-agent control plane for game servers",
		Long: `fctrl-server is the Management Server tier of the control plane. It
exposes a REST and WebSocket API for the GUI, dials out to every known
Agent over WebSocket, and routes operations between callers and agents
through the OperationRouter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FCTRL_HTTP_ADDR", ":8080"), "HTTP API and GUI listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FCTRL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FCTRL_DB_DSN", "./fctrl.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("FCTRL_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FCTRL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("FCTRL_DATA_DIR", "./data"), "Directory for server data (RSA keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("FCTRL_SECURE_COOKIES", "false") == "true", "Set Secure flag on auth cookies (enable in production over HTTPS)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fctrl-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or FCTRL_SECRET_KEY")
	}

	logger.Info("starting fctrl management server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	// The secret key is padded or truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	userRepo := repositories.NewUserRepository(gormDB)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(gormDB)
	agentRepo := repositories.NewAgentRepository(gormDB)
	operationRepo := repositories.NewOperationRepository(gormDB)
	metricRepo := repositories.NewMetricRepository(gormDB)
	notificationRepo := repositories.NewNotificationRepository(gormDB)
	settingsRepo := repositories.NewSettingsRepository(gormDB)

	// --- 4. Auth ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, refreshTokenRepo, jwtManager)

	// --- 5. Event broker and GUI-facing hub ---
	broker := eventbroker.New(logger)
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 6. Prometheus exporter ---
	promRegistry := promexport.New()

	// --- 7. Agent registry (dials out to every known Agent over WebSocket) ---
	agentRegistry := agentmanager.New(agentRepo, broker, logger)
	agentRegistry.OnStatusChange(func(id uuid.UUID, address string, status agentlink.Status) {
		promRegistry.SetAgentStatus(address, string(status))
		topic := "agent:" + id.String()
		hub.Publish(topic, websocket.Message{
			Type:    websocket.MsgAgentStatus,
			Topic:   topic,
			Payload: map[string]any{"status": string(status), "address": address},
		})
	})
	if err := agentRegistry.LoadAndConnect(ctx); err != nil {
		return fmt.Errorf("failed to load and connect agents: %w", err)
	}

	// --- 8. RPC handler (decodes agent stdout-derived metric/command traffic) ---
	rpcHandler := rpchandler.New(broker, metricRepo, agentRepo, logger)
	go rpcHandler.Run(ctx)

	// --- 9. Notifications ---
	notifier := notification.NewService(notification.Config{
		NotifRepo:    notificationRepo,
		UserRepo:     userRepo,
		SettingsRepo: settingsRepo,
		Hub:          hub,
		Logger:       logger,
	})

	// --- 10. Operation router and ledger ---
	opRouter := operationrouter.New(broker, logger)
	opLedger := opledger.New(operationRepo, logger)
	opRouter.OnOutcome(func(operationID, agentAddress, kind, outcome string) {
		promRegistry.OperationsTotal.WithLabelValues(kind, outcome).Inc()
		opLedger.RecordOutcome(context.Background(), operationID, outcome)

		if outcome != "Failed" {
			return
		}
		rec, err := agentRepo.GetByAddress(context.Background(), agentAddress)
		if err != nil {
			logger.Warn("failed to resolve agent for operation-failed notification", zap.String("address", agentAddress), zap.Error(err))
			return
		}
		if err := notifier.NotifyOperationFailed(context.Background(), rec.ID, rec.Name, kind, "operation resolved with a Failed terminal status"); err != nil {
			logger.Warn("failed to send operation-failed notification", zap.Error(err))
		}
	})
	opRouter.OnTimeout(func() {
		promRegistry.OperationTimeouts.Inc()
	})

	// --- 11. Maintenance scheduler ---
	maint, err := maintenance.New(metricRepo, settingsRepo, agentRepo, operationRepo, agentRegistry, notifier, logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}
	if err := maint.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer func() {
		if err := maint.Stop(); err != nil {
			logger.Warn("maintenance shutdown error", zap.Error(err))
		}
	}()

	// --- 12. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:     authService,
		AgentRegistry:   agentRegistry,
		OperationRouter: opRouter,
		OpLedger:        opLedger,
		Hub:             hub,
		Logger:          logger,
		Users:           userRepo,
		Agents:          agentRepo,
		Notifications:   notificationRepo,
		Settings:        settingsRepo,
		Secure:          cfg.secureCookies,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down fctrl management server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("fctrl management server stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available,
// or generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "fctrl-server")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("fctrl-server")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
