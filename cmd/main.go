package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"meetgo/backend/internal/api/handler"
	"meetgo/backend/internal/chathub"
	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupDependencies opens the optional audit database and presence redis.
// Either is skipped when not configured.
func setupDependencies(cfg *config.Config) (*gorm.DB, *redis.Client) {
	log := logging.L()

	var db *gorm.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect PostgreSQL")
		}
	} else {
		log.Info().Msg("database.dsn not set, room-session audit disabled")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect Redis")
		}
	} else {
		log.Info().Msg("redis.addr not set, presence mirror and control channel disabled")
	}

	return db, rdb
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.L()
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: config.DefaultServiceName,
	})
	log := logging.L()
	log.Info().Msg("starting signaling server")

	db, rdb := setupDependencies(cfg)
	s := storage.NewStorageService(db, rdb)
	if err := s.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := chathub.NewSupervisor(chathub.NewRegistry(), s)
	go hub.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(log))

	h := handler.NewHandler(hub, cfg)
	h.RegisterRoutes(r)

	// No Read/WriteTimeout: they would cut long-lived websocket connections.
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if rdb != nil {
		rdb.Close()
	}
}
