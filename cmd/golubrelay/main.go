package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pawciobiel/golubrelay/internal/config"
	"github.com/pawciobiel/golubrelay/internal/delivery"
	"github.com/pawciobiel/golubrelay/internal/dkim"
	"github.com/pawciobiel/golubrelay/internal/dns"
	"github.com/pawciobiel/golubrelay/internal/ippool"
	"github.com/pawciobiel/golubrelay/internal/logging"
	"github.com/pawciobiel/golubrelay/internal/queue"
	"github.com/pawciobiel/golubrelay/internal/relay"
	"github.com/pawciobiel/golubrelay/internal/server"
	"github.com/pawciobiel/golubrelay/internal/smtp"
	"github.com/pawciobiel/golubrelay/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration, .env first
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	if err := storage.InitializeSpoolDirectories(cfg.Spool.Dir); err != nil {
		log.Fatal("Failed to initialize spool directories:", err)
	}

	logging.InitLogging(&cfg.Logging)
	logger := logging.GetLogger()
	logger.Info("Starting golubrelay", "version", "dev", "hostname", cfg.Relay.Hostname)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("golubrelay failed", "error", err)
		os.Exit(1)
	}

	logger.Info("golubrelay stopped")
}

// newRedisClient returns nil when no Redis address is configured.
func newRedisClient(cfg *config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// newAddressPool wires the source address pool, shared through Redis when
// configured and reachable.
func newAddressPool(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *slog.Logger) ippool.Pool {
	var counter ippool.Counter
	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, shared rotation falls back per call", "addr", cfg.Redis.Addr, "error", err)
		}
		counter = rdb
	}
	return ippool.New(&cfg.SourceAddresses, counter, cfg.Redis.KeyPrefix, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := queue.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	store := queue.NewStore(db, logger.With("component", "queue"))
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb := newRedisClient(&cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
	}
	pool := newAddressPool(ctx, cfg, rdb, logger.With("component", "ippool"))

	signer, err := dkim.New(&cfg.DKIM)
	if err != nil {
		return fmt.Errorf("failed to configure DKIM: %w", err)
	}

	engine := delivery.NewEngine(
		dns.NewResolver(&cfg.DNS, logger.With("component", "dns")),
		pool,
		smtp.NewTransport(&cfg.Transport, cfg.Relay.Hostname, logger.With("component", "smtp")),
		delivery.Options{
			IPv6Enabled: cfg.Relay.IPv6Enabled,
			Logger:      logger.With("component", "delivery"),
		},
	)

	httpSrv := server.New(&cfg.HTTP, db, store, logger.With("component", "http"))
	if err := httpSrv.Start(ctx); err != nil {
		return err
	}

	rel := relay.New(store, engine, signer, relay.OptionsFromConfig(cfg), logger.With("component", "relay"))
	runErr := rel.Run(ctx)

	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	return runErr
}
