package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/position-engine/internal/config"
	"github.com/atmx/position-engine/internal/engine"
	"github.com/atmx/position-engine/internal/event"
	"github.com/atmx/position-engine/internal/events"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/orderbook"
	"github.com/atmx/position-engine/internal/pricefeed"
	"github.com/atmx/position-engine/internal/scheduler"
	"github.com/atmx/position-engine/internal/session"
	"github.com/atmx/position-engine/internal/settlement"
	"github.com/atmx/position-engine/internal/store"
	"github.com/atmx/position-engine/internal/telemetry"
	"github.com/atmx/position-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("position-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("position-engine stopped")
}

// loadConfig reads CONFIG_FILE when set and watches it for changes.
func loadConfig() (config.Config, *config.Watcher, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		cfg, err := config.Load("")
		return cfg, nil, err
	}
	w, err := config.Watch(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	return w.Config(), w, nil
}

// openStore picks the durable store: Postgres, else SQLite, else none.
// The result is wrapped in a Redis read-through cache when configured.
func openStore(ctx context.Context, cfg config.Config) (store.Store, []func(), error) {
	var (
		st      store.Store
		cleanup []func()
	)

	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("database migration failed: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.Storage.SQLitePath != "":
		gs, err := store.NewGormStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, cleanup, err
		}
		cleanup = append(cleanup, func() { gs.Close() })
		st = gs
		slog.Info("using SQLite store", "path", cfg.Storage.SQLitePath)

	default:
		slog.Warn("no durable store configured, authenticated sessions will not persist")
		return nil, cleanup, nil
	}

	if cfg.Cache.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Cache.TTL)
		slog.Info("Redis cache enabled")
	}
	return st, cleanup, nil
}

func optionIDs(events []event.Event) []string {
	var ids []string
	for _, e := range events {
		for _, o := range e.Options {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

func run() error {
	cfg, watcher, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Error("tracing shutdown error", "err", err)
		}
	}()

	// --- Catalog and prices ---
	catalog, err := event.NewCatalog(cfg.Events)
	if err != nil {
		return err
	}
	feed := pricefeed.NewFeed(catalog)
	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sim := pricefeed.NewSimulator(feed, catalog.Events(), pricefeed.SimConfig{
		Liquidity:  cfg.Simulation.Liquidity,
		MaxTrade:   cfg.Simulation.MaxTrade,
		PriceScale: cfg.Simulation.PriceScale,
	}, rand.New(rand.NewSource(seed)))
	books := orderbook.NewProvider(feed, orderbook.SynthConfig{
		Levels:      cfg.Simulation.DepthLevels,
		TickSize:    cfg.Simulation.TickSize,
		MaxQuantity: cfg.Simulation.MaxDepthQty,
	}, rand.New(rand.NewSource(seed+1)))

	// --- Fees, hot reloaded ---
	calc := settlement.NewCalculator(cfg.Fees.Schedule())
	if watcher != nil {
		watcher.OnChange(func(c config.Config) {
			calc.SetFees(c.Fees.Schedule())
			slog.Info("fee schedule updated", "trading_fee_rate", c.Fees.TradingFeeRate, "funding_rate", c.Fees.FundingRatePerPeriod)
		})
	}

	// --- Store ---
	durable, cleanup, err := openStore(ctx, cfg)
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()
	if err != nil {
		return err
	}

	// --- Event sinks ---
	wsHub := trade.NewWSHub()
	sinks := events.NewMulti()
	sinks.Add("ws", wsHub)
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return err
		}
		defer kp.Close()
		sinks.Add("kafka", kp)
		slog.Info("Kafka publishing enabled", "topic", cfg.Kafka.Topic)
	}
	if cfg.Nats.URL != "" {
		np, err := events.NewNatsPublisher(cfg.Nats)
		if err != nil {
			return err
		}
		defer np.Close()
		sinks.Add("nats", np)
	}

	// --- Sessions ---
	sessions := session.NewManager(ctx, durable, engine.Deps{
		Feed:      feed,
		Catalog:   catalog,
		Calc:      calc,
		Books:     books,
		Publisher: sinks,
		Logger:    slog.Default(),
	}, engine.Config{
		StartingBalance:   cfg.Risk.StartingBalance,
		Limits:            cfg.Risk.Limits(),
		MaxLeverage:       cfg.Risk.MaxLeverage,
		PartialFills:      cfg.Simulation.PartialFills,
		LiquidationBuffer: cfg.Risk.LiquidationBuffer,
		FillInterval:      cfg.Simulation.FillInterval,
		PriceBuffer:       cfg.Simulation.PriceBuffer,
	})
	sessions.OnResolve(func(eventID string) {
		sim.Halt(eventID)
		if e, err := catalog.Event(eventID); err == nil {
			for _, o := range e.Options {
				books.Forget(o.ID)
			}
		}
	})

	tradeSvc := trade.NewService(sessions, catalog, feed, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(telemetry.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.HeaderSession+", "+trade.HeaderUser)
			w.Header().Set("Access-Control-Expose-Headers", trade.HeaderSession)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("position-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		wsHub.ForwardPrices(gctx, feed, cfg.Simulation.PriceBuffer)
		return nil
	})
	g.Go(func() error {
		sessions.ReapIdle(gctx, cfg.Server.SessionIdleTimeout, cfg.Server.SessionReapEvery)
		return nil
	})
	if cfg.Simulation.Enabled {
		g.Go(func() error {
			scheduler.Run(gctx, scheduler.Task{
				Name:           "price-walk",
				Interval:       cfg.Simulation.TickInterval,
				RunImmediately: true,
				Fn:             func(context.Context) { sim.Step() },
			})
			return nil
		})
	}
	g.Go(func() error {
		ids := optionIDs(catalog.Events())
		scheduler.Run(gctx, scheduler.Task{
			Name:           "depth-refresh",
			Interval:       cfg.Simulation.DepthInterval,
			RunImmediately: true,
			Fn:             func(context.Context) { books.Refresh(ids...) },
		})
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down position-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return sessions.Close()
	})

	return g.Wait()
}
