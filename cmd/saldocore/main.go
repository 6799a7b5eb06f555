package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nayrfirmandes/Saldopedia-sub001/internal/config"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/deposit"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/ledger"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/notify"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/observability"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/persistence"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/query"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/rates"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/security"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/server"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/sweeper"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/token"
	"github.com/nayrfirmandes/Saldopedia-sub001/internal/withdrawal"
)

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("saldocore starting")

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := persistence.Connect(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect")
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- Redis (velocity counters) ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Counters fail open, so a dead Redis degrades rather than blocks.
		log.Warn().Err(err).Msg("redis unavailable, velocity counters degraded")
	} else {
		log.Info().Msg("redis connected")
	}

	// --- NATS (notification bus) ---
	nc, js, err := notify.ConnectNATS(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	if err := notify.EnsureNotifyStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure notify stream")
	}
	log.Info().Msg("nats connected")

	// --- Components ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	notifier := notify.NewNATSNotifier(js, metrics)
	ldg := ledger.New(db, metrics)
	authority := token.NewAuthority(cfg.Token.Secret, cfg.Token.TTL)
	links := token.NewLinkBuilder(cfg.App.PublicBaseURL, authority)
	evaluator := security.NewEvaluator(cfg.Security, security.NewRedisCounters(rdb), security.NewAuditLog(db), metrics)

	deposits := deposit.NewService(db, cfg.Deposit, ldg, evaluator, links, notifier, metrics)
	withdrawals := withdrawal.NewService(db, cfg.Withdrawal, ldg, evaluator, links, notifier, metrics)
	queries := query.NewService(db)
	sweep := sweeper.New(deposits, cfg.Sweep, metrics)

	engine, err := rates.NewEngine(rates.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("rate table invalid")
	}

	srv := server.New(cfg.App, deposits, withdrawals, queries, engine, authority, sweep, health, metrics)

	errChan := make(chan error, 3)

	// --- Background sweeper ---
	go sweep.Run(ctx)

	// --- Prometheus metrics server ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.App.MetricsAddr, Handler: metricsMux}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	go func() {
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// --- HTTP API ---
	go func() {
		errChan <- srv.Listen(cfg.App.HTTPAddr)
	}()

	health.SetReady(true)
	log.Info().
		Str("http", cfg.App.HTTPAddr).
		Str("metrics", cfg.App.MetricsAddr).
		Msg("saldocore ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("server failed, shutting down")
	}

	health.SetReady(false)
	cancel()

	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("saldocore shutdown complete")
}
