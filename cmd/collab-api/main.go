package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/config"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/database"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/server"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile      string
	openDatabase = database.Open
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-api",
		Short: "Collaborative document sync backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSweepCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("presence-backend", defaults.GetString("presence.backend"), "Awareness store (sql, redis)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the redis presence backend")
	cmd.PersistentFlags().Duration("sweep-interval", defaults.GetDuration("awareness.sweep_interval"), "Stale awareness sweep interval (0 disables)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Browser origins allowed to call the API with credentials (empty allows any origin without credentials)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "presence.backend", "presence-backend")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "awareness.sweep_interval", "sweep-interval")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
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

// appRuntime bundles the collaborators shared by the server and maintenance commands.
type appRuntime struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	users     *users.Service
	collab    *collab.Service
	realtime  *server.RealtimeDispatcher
	closeFunc func()
}

func (rt *appRuntime) Close() {
	if rt.closeFunc != nil {
		rt.closeFunc()
	}
	_ = rt.logger.Sync()
}

func buildRuntime() (_ *appRuntime, err error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := openDatabase(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { _ = sqlDB.Close() }}
	closeAll := func() {
		for index := len(closers) - 1; index >= 0; index-- {
			closers[index]()
		}
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	gate, err := documents.NewGate(db)
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return nil, err
	}

	var presence collab.PresenceStore
	switch appConfig.PresenceBackend {
	case config.PresenceBackendRedis:
		redisStore, err := collab.NewRedisPresenceStore(appConfig.RedisURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = redisStore.Close() })
		presence = redisStore
		logger.Info("presence backend ready", zap.String("backend", config.PresenceBackendRedis))
	default:
		presence = collab.NewSQLPresenceStore(db)
	}

	realtime := server.NewRealtimeDispatcher()
	collabService, err := collab.NewService(collab.ServiceConfig{
		Database:            db,
		Access:              gate,
		Presence:            presence,
		Profiles:            userService,
		Notifier:            realtime,
		Clock:               time.Now,
		Logger:              logger,
		StaleAfter:          appConfig.AwarenessStaleAfter,
		SweepBatchSize:      appConfig.SweepBatchSize,
		FilterStaleReads:    appConfig.FilterStaleReads,
		CompactionThreshold: appConfig.CompactionThreshold,
	})
	if err != nil {
		return nil, err
	}

	return &appRuntime{
		config:   appConfig,
		logger:   logger,
		db:       db,
		users:    userService,
		collab:   collabService,
		realtime: realtime,
		closeFunc: closeAll,
	}, nil
}

func runServer(ctx context.Context) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.config.SigningSecret),
		Issuer:        rt.config.SessionIssuer,
		CookieName:    rt.config.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Users:          rt.users,
		CollabService:  rt.collab,
		Realtime:       rt.realtime,
		Logger:         logger,
		AllowedOrigins: rt.config.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rt.config.SweepInterval > 0 {
		janitor, err := collab.NewJanitor(rt.collab, rt.config.SweepInterval, logger)
		if err != nil {
			return err
		}
		go janitor.Run(signalCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
