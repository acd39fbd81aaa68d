// Command accesslog runs the access log collector: it receives records from
// the proxies over a unix socket, logs and stores them, and serves them over
// HTTP and a WebSocket live tail.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/l7policy/internal/accesslog"
	"github.com/mbd888/l7policy/internal/config"
	"github.com/mbd888/l7policy/internal/health"
	"github.com/mbd888/l7policy/internal/logging"
	"github.com/mbd888/l7policy/internal/metrics"
	"github.com/mbd888/l7policy/internal/realtime"
	"github.com/mbd888/l7policy/internal/server"
	"github.com/mbd888/l7policy/migrations"
)

// Build info - set by ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "accesslog:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadCollector()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting access log collector", "version", Version, "socket", cfg.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := health.NewRegistry()
	checks.Register("socket", health.Socket("socket", cfg.SocketPath))

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store accesslog.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("database close error", "error", err)
			}
		}()
		pg := accesslog.NewPostgresStore(db)
		checks.Register("database", health.Ping("database", pg))
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		store = pg
	} else {
		logger.Info("using in-memory storage", "capacity", cfg.MemoryLimit)
		store = accesslog.NewMemoryStore(cfg.MemoryLimit)
	}

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	collector := accesslog.NewCollector(logger, cfg.SocketPath,
		accesslog.LogHandler(logger),
		accesslog.StoreHandler(store, logger),
		hub,
	)
	if err := collector.Start(); err != nil {
		return fmt.Errorf("start collector: %w", err)
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Warn("closing collector", "error", err)
		}
	}()

	admin := server.New(cfg.AdminAddr,
		server.WithLogger(logger),
		server.WithHealth(checks),
		server.WithVersion(Version),
	)
	admin.Register(accesslog.NewStoreAPI(store))
	admin.Handle(http.MethodGet, "/ws", hub.HandleWebSocket)
	if err := admin.Start(); err != nil {
		return err
	}

	if err := collector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("collector stopped", "error", err)
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown", "error", err)
	}
	logger.Info("access log collector stopped")
	return nil
}

func openDB(ctx context.Context, cfg *config.CollectorConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
