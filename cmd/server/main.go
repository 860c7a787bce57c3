package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doc2288/streeming-app/internal/auth"
	"github.com/doc2288/streeming-app/internal/config"
	"github.com/doc2288/streeming-app/internal/db"
	clog "github.com/doc2288/streeming-app/internal/log"
	"github.com/doc2288/streeming-app/internal/mw"
	"github.com/doc2288/streeming-app/internal/server"
	"github.com/doc2288/streeming-app/internal/service"
	"github.com/doc2288/streeming-app/internal/store"
	"github.com/doc2288/streeming-app/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const purgeInterval = time.Hour

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var port string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}
	serve.Flags().StringVar(&port, "port", "", "listen port (overrides APP_PORT)")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the users and refresh_tokens tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}

	root := &cobra.Command{
		Use:           "streaming-server",
		Short:         "Session and live chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, migrate)
	return root
}

func loadConfig(port string) (config.Config, error) {
	cfg := config.Load()
	if port != "" {
		cfg.Port = port
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return cfg, err
	}
	return cfg, nil
}

func runMigrate() error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		return err
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		log.Error().Err(err).Msg("db migrate")
		return err
	}
	log.Info().Msg("migration complete")
	return nil
}

// openLedger 根据 REFRESH_STORE 选择刷新令牌账本，返回的 closer 在停服时调用。
func openLedger(ctx context.Context, cfg config.Config, gdb *gorm.DB) (service.RefreshLedger, func() error, error) {
	if cfg.RefreshStore != config.StoreRedis {
		return store.NewGormLedger(gdb), func() error { return nil }, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return store.NewRedisLedger(rdb), rdb.Close, nil
}

func runServe(parent context.Context, port string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(port)
	if err != nil {
		return err
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		return err
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		log.Error().Err(err).Msg("db migrate")
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := openLedger(ctx, cfg, gdb)
	if err != nil {
		log.Error().Err(err).Str("store", cfg.RefreshStore).Msg("open refresh ledger")
		return err
	}
	defer closeLedger()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL)
	if err != nil {
		return err
	}
	sessions := service.NewSessionService(
		store.NewUserStore(gdb), ledger, tokens,
		auth.Bcrypt{Cost: cfg.BcryptCost}, cfg.RefreshTokenTTL,
	)
	registry := ws.NewRegistry()
	limiter := mw.NewLimiter(cfg.RateLimitPerMinute)
	go limiter.Run()
	defer limiter.Stop()

	engine := server.SetupRouter(cfg, server.Deps{
		Sessions: sessions,
		Tokens:   tokens,
		Registry: registry,
		Limiter:  limiter,
		Health:   func(ctx context.Context) error { return db.Ping(ctx, gdb) },
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go purgeLoop(ctx, sessions)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("store", cfg.RefreshStore).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server run")
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown 不会等待已升级的 WebSocket 连接，由 registry.Close 负责断开它们。
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	registry.Close()
	log.Info().Msg("server stopped")
	return nil
}

func purgeLoop(ctx context.Context, sessions *service.SessionService) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.PurgeExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("purge expired refresh tokens")
				continue
			}
			log.Debug().Int64("purged", n).Msg("purge expired refresh tokens")
		}
	}
}
