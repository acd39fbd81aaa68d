// Command server runs the L7 policy proxy for one local endpoint.
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

	"github.com/gin-gonic/gin"

	"github.com/mbd888/l7policy/internal/accesslog"
	"github.com/mbd888/l7policy/internal/config"
	"github.com/mbd888/l7policy/internal/health"
	"github.com/mbd888/l7policy/internal/identity"
	"github.com/mbd888/l7policy/internal/l7policy"
	"github.com/mbd888/l7policy/internal/logging"
	"github.com/mbd888/l7policy/internal/policy"
	"github.com/mbd888/l7policy/internal/proxy"
	"github.com/mbd888/l7policy/internal/server"
	"github.com/mbd888/l7policy/internal/traces"
	"github.com/mbd888/l7policy/internal/watcher"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "l7policy:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting l7policy proxy",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"endpoint", cfg.EndpointIP,
		"ingress", cfg.Ingress,
	)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, "l7policy", cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Policies and identities
	repo := policy.NewRepository()
	ipcache := identity.NewIPCache()
	w := watcher.New(watcher.Config{
		Path:         cfg.PolicyFile,
		PollInterval: cfg.PolicyReload,
	}, repo, ipcache, logger)
	if _, err := w.Reload(); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	w.Start(ctx)
	defer w.Stop()

	localID := identity.NumericIdentity(cfg.EndpointIdentity)
	if localID == identity.IdentityUnknown {
		if ep, err := repo.Get(cfg.EndpointIP); err == nil {
			localID = ep.Identity
		} else {
			logger.Warn("endpoint has no policy; every request will be denied", "endpoint", cfg.EndpointIP)
		}
	}

	// Filter
	filterCfg, err := l7policy.NewConfig(l7policy.FilterOptions{
		AccessLogPath: cfg.AccessLogPath,
		Denied403Body: cfg.Denied403Body,
		PolicyName:    cfg.PolicyName,
		IsIngress:     cfg.IsIngress,
	},
		l7policy.WithLogger(logger),
		l7policy.WithSinkOptions(accesslog.WithBufferSize(cfg.AccessLogBuffer)),
	)
	if err != nil {
		return fmt.Errorf("filter config: %w", err)
	}
	defer func() {
		if err := filterCfg.Close(); err != nil {
			logger.Warn("closing access log", "error", err)
		}
	}()

	p := proxy.New(filterCfg, proxy.Listener{
		Ingress:      cfg.Ingress,
		PodIP:        cfg.EndpointIP,
		Identity:     localID,
		UpstreamAddr: cfg.UpstreamAddr,
	}, ipcache, repo, proxy.WithLogger(logger))
	proxySrv := p.Server(cfg.ListenAddr)

	// Admin
	checks := health.NewRegistry()
	checks.Register("policy", health.PolicyLoaded("policy", repo))
	checks.Register("accesslog", accessLogCheck(filterCfg, cfg.AccessLogPath))
	admin := server.New(cfg.AdminAddr,
		server.WithLogger(logger),
		server.WithHealth(checks),
		server.WithVersion(Version),
		server.WithDrainDelay(drainDelay(cfg)),
	)
	admin.Register(policy.NewHandler(repo))
	if err := admin.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", cfg.ListenAddr, "identity", localID.Uint32())
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-hup:
			if _, err := w.Reload(); err != nil {
				logger.Error("policy reload failed", "error", err)
			}
		case err := <-errCh:
			runErr = fmt.Errorf("proxy: %w", err)
			break loop
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown", "error", err)
	}
	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy shutdown", "error", err)
	}
	logger.Info("l7policy proxy stopped")
	return runErr
}

// accessLogCheck reports whether the collector socket exists. A filter
// without a configured access log is healthy.
func accessLogCheck(filterCfg *l7policy.Config, path string) health.Checker {
	socket := health.Socket("accesslog", path)
	return func(ctx context.Context) health.Status {
		st := socket(ctx)
		if path != "" && !filterCfg.HasAccessLog() {
			st.Healthy = false
			st.Detail = "access log not connected"
		}
		return st
	}
}

func drainDelay(cfg *config.Config) time.Duration {
	if cfg.IsDevelopment() {
		return 0
	}
	return 5 * time.Second
}
