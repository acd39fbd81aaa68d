// Package watcher keeps the policy repository in sync with the policy file.
//
// The file is polled on an interval and re-applied whenever its content
// changes; Reload can also be called directly, e.g. on SIGHUP.
package watcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/mbd888/l7policy/internal/identity"
	"github.com/mbd888/l7policy/internal/metrics"
	"github.com/mbd888/l7policy/internal/policy"
)

// Config for the policy watcher
type Config struct {
	Path         string
	PollInterval time.Duration // 0 disables polling
	Clock        quartz.Clock
}

// DefaultPollInterval is used by callers that enable polling without a value.
const DefaultPollInterval = 10 * time.Second

// Watcher applies the policy file to a repository and IP cache.
type Watcher struct {
	cfg    Config
	repo   *policy.Repository
	cache  *identity.IPCache
	logger *slog.Logger

	mu       sync.Mutex // serialises reloads
	lastHash [sha256.Size]byte
	loaded   bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a new policy watcher. Nothing is loaded until Reload or Start.
func New(cfg Config, repo *policy.Repository, cache *identity.IPCache, logger *slog.Logger) *Watcher {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	return &Watcher{
		cfg:    cfg,
		repo:   repo,
		cache:  cache,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Reload reads the policy file and applies it if its content changed since
// the last successful load. It reports whether anything was applied. On
// error the repository and the identity cache keep their previous state.
func (w *Watcher) Reload() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := os.ReadFile(w.cfg.Path)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("read policy file: %w", err)
	}
	sum := sha256.Sum256(data)
	if w.loaded && sum == w.lastHash {
		metrics.PolicyReloadsTotal.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	f, err := policy.Parse(data)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("%s: %w", w.cfg.Path, err)
	}
	if err := f.Apply(w.repo, w.cache); err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("apply %s: %w", w.cfg.Path, err)
	}

	w.lastHash = sum
	w.loaded = true
	metrics.PolicyReloadsTotal.WithLabelValues("applied").Inc()
	metrics.PolicyEndpoints.Set(float64(len(w.repo.Endpoints())))
	w.logger.Info("policy applied",
		"path", w.cfg.Path,
		"endpoints", len(f.Endpoints),
		"identities", len(f.Identities),
		"revision", w.repo.Revision(),
	)
	return true, nil
}

// Start begins polling. It is a no-op when PollInterval is zero.
func (w *Watcher) Start(ctx context.Context) {
	if w.cfg.PollInterval <= 0 {
		close(w.done)
		return
	}
	w.logger.Info("policy watcher started", "path", w.cfg.Path, "interval", w.cfg.PollInterval)
	ticker := w.cfg.Clock.NewTicker(w.cfg.PollInterval, "watcher")
	go w.pollLoop(ctx, ticker)
}

// Stop stops polling and waits for the loop to exit. Start must have been called.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context, ticker *quartz.Ticker) {
	defer close(w.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Reload(); err != nil {
				w.logger.Error("policy reload failed", "error", err)
			}
		}
	}
}
