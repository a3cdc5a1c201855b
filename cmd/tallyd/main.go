// Command tallyd serves the interaction tracker over HTTP.
//
//	tallyd -config /etc/tally/tally.toml
//
// Connection settings may also come from the environment or a .env file:
// DATABASE_URL, REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, TALLY_ADDR and
// TALLY_API_KEYS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/tally"
	"github.com/nhalm/tally/api"
	"github.com/nhalm/tally/config"
	"github.com/nhalm/tally/metrics"
	"github.com/nhalm/tally/ratelimit"
	"github.com/nhalm/tally/retry"
	"github.com/nhalm/tally/stats"
	"github.com/nhalm/tally/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "tally.toml", "path to the TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tallyd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	var limitStore store.RateLimitStore = st
	if cfg.Redis.Addr != "" {
		rs, err := store.NewRedis(store.RedisConfig{
			URL:      cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rs.Close()
		limitStore = rs
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	limiter := ratelimit.New(
		ratelimit.WithStore(limitStore),
		ratelimit.WithMetrics(m),
		ratelimit.WithPolicy(cfg.RateLimit.Limit, cfg.RateLimit.Window),
		ratelimit.WithWriteBack(writeBackMode(cfg.RateLimit.WriteBack)),
		ratelimit.WithRestore(cfg.RateLimit.Restore),
		ratelimit.WithShards(cfg.RateLimit.Shards),
		ratelimit.WithSweep(cfg.RateLimit.SweepInterval, cfg.RateLimit.SweepGrace),
		ratelimit.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
	)

	queue := retry.New(
		retry.WithSize(cfg.Retry.QueueSize),
		retry.WithRate(cfg.Retry.PerSecond, cfg.Retry.Burst),
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithBackoff(cfg.Retry.BackoffBase, cfg.Retry.BackoffMax),
		retry.WithMetrics(m),
	)

	tracker := tally.New(limiter, stats.New(st), st,
		tally.WithMetrics(m),
		tally.WithRetry(queue),
		tally.WithPendingTTL(cfg.Tracker.PendingTTL),
		tally.WithStoreTimeout(cfg.Tracker.StoreTimeout),
	)

	router := api.NewRouter(tracker,
		api.WithGatherer(reg),
		api.WithMaxBodySize(cfg.Server.MaxBodyBytes),
		api.WithAPIKeys(cfg.Server.APIKeys...),
	)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logEvent(ctx, map[string]any{
		"event":  "startup",
		"addr":   cfg.Server.Addr,
		"driver": cfg.Store.Driver,
		"redis":  cfg.Redis.Addr != "",
	}, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop taking requests, then drain background writes in reverse order.
		err := srv.Shutdown(shutdownCtx)
		tracker.Close()
		err = errors.Join(err, queue.Close(shutdownCtx), limiter.Close(shutdownCtx))

		logEvent(context.Background(), map[string]any{"event": "shutdown"}, err)
		return err
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver != config.DriverPostgres {
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		DSN:          cfg.DatabaseURL,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pg, nil
}

func writeBackMode(s string) ratelimit.WriteBack {
	switch s {
	case "sync":
		return ratelimit.WriteBackSync
	case "none":
		return ratelimit.WriteBackNone
	default:
		return ratelimit.WriteBackAsync
	}
}

func logEvent(ctx context.Context, fields map[string]any, err error) {
	ctx = canonlog.NewContext(ctx)
	canonlog.InfoAddMany(ctx, fields)
	if err != nil {
		canonlog.ErrorAdd(ctx, err)
	}
	canonlog.Flush(ctx)
}
