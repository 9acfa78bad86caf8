// Command server runs the queue registration API together with the dispatch
// workers that hand registrations to the automation worker.
//
// @title          Queue Registration API
// @version        1.0
// @description    Registration intake, dispatch to the automation worker and outcome reconciliation.
// @BasePath       /api/v1
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-queue-registration/docs"
	"github.com/tbourn/go-queue-registration/internal/config"
	"github.com/tbourn/go-queue-registration/internal/conversation"
	"github.com/tbourn/go-queue-registration/internal/dispatch"
	httpapi "github.com/tbourn/go-queue-registration/internal/http"
	"github.com/tbourn/go-queue-registration/internal/notify"
	"github.com/tbourn/go-queue-registration/internal/observability"
	"github.com/tbourn/go-queue-registration/internal/repo"
	"github.com/tbourn/go-queue-registration/internal/services"
	"github.com/tbourn/go-queue-registration/internal/sysutil"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stdout, observability.DefaultServiceName, cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var locker dispatch.Locker
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddress).Msg("redis unreachable; sweeps run unlocked until it recovers")
		}
		locker = redislock.New(rdb)
	}

	var notifier services.Notifier = notify.Log{}
	if cfg.NotifyURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyURL, cfg.APIToken)
	}

	registrations := repo.Registrations{DB: db}
	keys := repo.Keys{DB: db}
	queue := dispatch.NewQueue(repo.Jobs{DB: db}, cfg.Dispatch.Lease, cfg.Dispatch.PollInterval)

	dispatcher := dispatch.NewDispatcher(queue, registrations,
		dispatch.NewWorkerClient(cfg.Worker.URL, cfg.Worker.IntakePath, cfg.APIToken, cfg.Dispatch.Timeout))
	dispatcher.Backoff = dispatch.NewBackoff(cfg.Dispatch.BackoffStrategy, cfg.Dispatch.Backoff)
	dispatcher.MaxAttempts = cfg.Dispatch.MaxAttempts
	dispatcher.Workers = cfg.Dispatch.Workers
	dispatcher.Timeout = cfg.Dispatch.Timeout
	dispatcher.Notifier = notifier

	sweeper := dispatch.NewSweeper(registrations, queue, locker, cfg.Dispatch.SweepGrace, cfg.Dispatch.SweepInterval)

	regSvc := services.NewRegistrationService(registrations, queue, keys)
	if cfg.IdempotencyTTL > 0 {
		regSvc.KeyTTL = cfg.IdempotencyTTL
	}
	outSvc := &services.OutcomeService{Store: registrations, Notifier: notifier}
	conv := conversation.New(regSvc, cfg.Chat.StartKeyword, cfg.Chat.TTL)

	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = version

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, httpapi.Deps{
		Registrations: regSvc,
		Outcomes:      outSvc,
		Conversation:  conv,
		Stats:         registrations,
		Keys:          keys,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
