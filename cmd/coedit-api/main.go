package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coeditlabs/coedit/backend/internal/auth"
	"github.com/coeditlabs/coedit/backend/internal/config"
	"github.com/coeditlabs/coedit/backend/internal/database"
	"github.com/coeditlabs/coedit/backend/internal/documents"
	"github.com/coeditlabs/coedit/backend/internal/ephemeral"
	"github.com/coeditlabs/coedit/backend/internal/locks"
	"github.com/coeditlabs/coedit/backend/internal/logging"
	"github.com/coeditlabs/coedit/backend/internal/presence"
	"github.com/coeditlabs/coedit/backend/internal/projects"
	"github.com/coeditlabs/coedit/backend/internal/realtime"
	"github.com/coeditlabs/coedit/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coedit-api",
		Short: "CoEdit collaboration backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the ephemeral store")
	cmd.PersistentFlags().Int("lock-ttl-minutes", defaults.GetInt("lock.ttl_minutes"), "File lock TTL in minutes")
	cmd.PersistentFlags().Int("presence-ttl-seconds", defaults.GetInt("presence.ttl_seconds"), "Presence record TTL in seconds")
	cmd.PersistentFlags().Int("persist-debounce-ms", defaults.GetInt("persist.debounce_ms"), "Document persistence debounce in milliseconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "lock.ttl_minutes", "lock-ttl-minutes")
	bindFlag(cmd, "presence.ttl_seconds", "presence-ttl-seconds")
	bindFlag(cmd, "persist.debounce_ms", "persist-debounce-ms")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := ephemeral.NewRedisStore(appConfig.RedisURL, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "coedit-auth",
		Audience:      "coedit-api",
	})
	if err != nil {
		return err
	}

	projectService, err := projects.NewService(projects.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	lockManager, err := locks.NewManager(locks.ManagerConfig{
		Store:  store,
		TTL:    appConfig.LockTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	presenceRegistry, err := presence.NewRegistry(presence.RegistryConfig{
		Store:  store,
		TTL:    appConfig.PresenceTTL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	documentRegistry, err := documents.NewRegistry(documents.RegistryConfig{
		Files:           projectService,
		PersistDebounce: appConfig.PersistDebounce,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
		Locks:     lockManager,
		Presence:  presenceRegistry,
		Documents: documentRegistry,
		Access:    projectService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:      tokenService,
		Coordinator: coordinator,
		Locks:       lockManager,
		Presence:    presenceRegistry,
		Access:      projectService,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coordinator.RunSweeper(signalCtx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Flush pending document snapshots before the process exits.
		documentRegistry.Shutdown(shutdownCtx)
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
