package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/couponledger/internal/alerts"
	"github.com/terminal-bench/couponledger/internal/analytics"
	"github.com/terminal-bench/couponledger/internal/auth"
	"github.com/terminal-bench/couponledger/internal/campaign"
	"github.com/terminal-bench/couponledger/internal/config"
	"github.com/terminal-bench/couponledger/internal/gateway"
	"github.com/terminal-bench/couponledger/internal/holdings"
	"github.com/terminal-bench/couponledger/internal/store"
	"github.com/terminal-bench/couponledger/internal/summary"
	"github.com/terminal-bench/couponledger/internal/treasury"
	"github.com/terminal-bench/couponledger/pkg/circuit"
	"github.com/terminal-bench/couponledger/pkg/dlock"
	"github.com/terminal-bench/couponledger/pkg/messaging"
	"github.com/terminal-bench/couponledger/shared/events"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "couponledger").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.UsingDefaultSecret() {
		logger.Warn().Msg("JWT_SECRET not set, tokens are signed with the development secret")
	}

	gin.SetMode(gin.ReleaseMode)

	var (
		campaignStore campaign.Store
		bank          treasury.Bank
		db            *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open database")
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		schemaCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		pg := store.NewPostgres(db, logger)
		if err := pg.EnsureSchema(schemaCtx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare ledger schema")
		}
		pgBank := treasury.NewPostgresBank(db, logger)
		if err := pgBank.EnsureSchema(schemaCtx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare treasury schema")
		}
		cancel()
		campaignStore, bank = pg, pgBank
	} else {
		logger.Warn().Msg("DATABASE_URL not set, state will not survive a restart")
		campaignStore = store.NewMemory()
		bank = treasury.NewMemoryBank(logger)
	}

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	bank = treasury.WithBreaker(bank, breakers.Get("treasury"))

	fanout := events.NewMultiEmitter()
	svc := campaign.NewService(campaignStore, bank, holdings.NewBook(logger), fanout, logger)

	restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := svc.Restore(restoreCtx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to restore instances")
	}
	if restored > 0 {
		logger.Info().Int("instances", restored).Msg("restored instances from storage")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}
	summaries := summary.NewManager(svc, rdb, breakers.Get("redis"), 30*time.Second, logger)
	fanout.Add(summaries)

	if cfg.InfluxURL != "" {
		recorder := analytics.NewRecorder(analytics.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}, logger)
		defer recorder.Close()
		fanout.Add(recorder)
	}

	// The watcher consumes claim and budget events from the fanout and
	// emits headroom alerts back into it.
	watcher := alerts.NewWatcher(svc, fanout, cfg.AlertHeadroomMin, logger)
	fanout.Add(watcher)

	nc, err := messaging.NewClient(messaging.Config{
		URL:  cfg.NatsURL,
		Name: "couponledger",
	})
	if err != nil {
		logger.Warn().Err(err).Msg("event bus unavailable, running without NATS")
	} else {
		defer nc.Close()
		fanout.Add(events.EmitterFunc(func(ctx context.Context, evt *events.BaseEvent) {
			if err := nc.Publish(ctx, "ledger."+evt.Type, evt); err != nil {
				logger.Warn().Err(err).Str("event", evt.Type).Msg("failed to publish event")
			}
		}))

		// Peer replicas publish on the same subjects; drop their cached
		// summaries so reads converge.
		err = nc.Subscribe("ledger.>", func(msg *nats.Msg) {
			var evt events.BaseEvent
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				return
			}
			if slug := evt.ProjectSlug(); slug != "" {
				summaries.Invalidate(context.Background(), slug)
			}
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to subscribe to event bus")
		}
	}

	var locker gateway.Locker
	if len(cfg.EtcdEndpoints) > 0 {
		locks, err := dlock.New(dlock.Config{Endpoints: cfg.EtcdEndpoints}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to etcd")
		}
		defer locks.Close()
		locker = locks
	}

	authsvc := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	gw := gateway.New(gateway.Config{Addr: cfg.HTTPAddr}, svc, summaries, authsvc, bank, locker, logger)
	fanout.Add(gw.Hub())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher.Start(ctx)
	defer watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("ledger listening")
		return gw.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		logger.Info().Msg("shutting down")
		return gw.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("ledger exited with error")
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn().Err(err).Msg("failed to drain event bus")
		}
	}
	if db != nil {
		db.Close()
	}
	logger.Info().Msg("ledger stopped")
}
