package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/seat-sync/internal/broadcast"
	"github.com/iliyamo/seat-sync/internal/config"
	"github.com/iliyamo/seat-sync/internal/database"
	"github.com/iliyamo/seat-sync/internal/handler"
	"github.com/iliyamo/seat-sync/internal/logging"
	"github.com/iliyamo/seat-sync/internal/middleware"
	"github.com/iliyamo/seat-sync/internal/queue"
	"github.com/iliyamo/seat-sync/internal/registry"
	"github.com/iliyamo/seat-sync/internal/relay"
	"github.com/iliyamo/seat-sync/internal/repository"
	"github.com/iliyamo/seat-sync/internal/reservation"
	"github.com/iliyamo/seat-sync/internal/router"
	"github.com/iliyamo/seat-sync/internal/session"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.Init(cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	resCfg := config.LoadReservationConfig()
	brokerCfg := config.LoadBrokerConfig()
	entry := logrus.NewEntry(log)
	checks := map[string]handler.Check{}

	var (
		catalog   reservation.Catalog
		finalizer reservation.Finalizer
	)
	if cfg.CatalogEnabled() {
		db, err := database.Open(ctx, database.Options{
			User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
		})
		if err != nil {
			return fmt.Errorf("opening catalog database: %w", err)
		}
		defer db.Close()
		catalog = repository.NewCatalogRepo(db)
		finalizer = repository.NewShowSeatRepo(db)
		checks["mysql"] = db.PingContext
	} else {
		log.Warn("DB_HOST not set, running without a seat catalog")
	}

	rdb, err := config.NewRedisClient(config.LoadRedisConfig())
	if err != nil {
		if resCfg.RegistryBackend == config.BackendRedis {
			return fmt.Errorf("redis registry: %w", err)
		}
		log.WithError(err).Warn("redis unavailable, caching and rate limiting disabled")
	} else {
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var (
		seats    registry.Registry = registry.NewMemory()
		sessions                   = session.NewStore()
		liveness reservation.Liveness
	)
	if resCfg.RegistryBackend == config.BackendRedis {
		seats = registry.NewRedis(rdb, resCfg.RegistryPrefix)
		// other instances must see our sessions to tell live holds from orphans
		leases := session.NewRedisLeases(rdb, resCfg.RegistryPrefix, resCfg.LeaseTTL(), entry)
		sessions = session.NewStore(session.WithLeases(leases))
		liveness = leases
	}

	hub := broadcast.NewHub(resCfg.BroadcastBuffer, entry)
	var (
		publisher reservation.Publisher = hub
		rel       *relay.Relay
	)
	if resCfg.RelayEnabled {
		rel, err = relay.New(relay.Config{Topic: resCfg.RelayTopic, InstanceID: resCfg.InstanceID}, rdb, hub, entry)
		if err != nil {
			return fmt.Errorf("creating relay: %w", err)
		}
		publisher = rel
	}

	coord := reservation.NewCoordinator(reservation.Deps{
		Registry:  seats,
		Sessions:  sessions,
		Publisher: publisher,
		Catalog:   catalog,
		Finalizer: finalizer,
		Liveness:  liveness,
		Watchers:  hub,
	}, resCfg.IdleTimeout, entry)
	reaper := reservation.NewReaper(coord, resCfg.ReaperInterval, resCfg.SeatHoldTTL, entry,
		reservation.WithRetention(resCfg.Retention))

	var (
		checkouts handler.CheckoutPublisher
		consumer  *queue.Consumer
	)
	if brokerCfg.Enabled {
		checkouts = queue.NewPublisher(brokerCfg.URL, brokerCfg.CheckoutQueue, entry)
		consumer = queue.NewConsumer(brokerCfg.URL, brokerCfg.CancellationQueue, coord, entry)
	}

	e := router.New(log)
	router.RegisterRoutes(e, checks)
	router.RegisterShowtime(e, router.Showtime{
		Reservations: handler.NewReservationHandler(coord, checkouts, entry),
		Layout:       handler.NewLayoutHandler(coord, entry),
		Stream:       handler.NewStreamHandler(coord, hub, handler.DefaultStreamConfig(), entry),
		JWTSecret:    cfg.JWTSecret,
		RateLimit:    middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, entry),
		Cache:        middleware.NewRedisCache(config.LoadCacheConfig(), rdb, entry),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reaper.Run(gctx) })
	if rel != nil {
		g.Go(func() error { return rel.Run(gctx) })
	}
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{
			"addr":     addr,
			"env":      cfg.Env,
			"registry": resCfg.RegistryBackend,
			"relay":    resCfg.RelayEnabled,
			"broker":   brokerCfg.Enabled,
		}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("starting http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down http server")
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}
