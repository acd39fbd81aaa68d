// Package health provides a registry of named subsystem health checkers
// and the checkers used by the filter and collector binaries.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultTimeout bounds a single checker run inside CheckAll.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results, in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		st := nc.check(cctx)
		cancel()
		if st.Name == "" {
			st.Name = nc.name
		}
		statuses[i] = st
		if !st.Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// EndpointCounter is satisfied by the policy repository.
type EndpointCounter interface {
	Revision() uint64
}

// PolicyLoaded reports healthy once at least one policy revision has been
// applied.
func PolicyLoaded(name string, repo EndpointCounter) Checker {
	return func(_ context.Context) Status {
		rev := repo.Revision()
		if rev == 0 {
			return Status{Name: name, Healthy: false, Detail: "no policy loaded"}
		}
		return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("revision %d", rev)}
	}
}

// Pinger is satisfied by *sql.DB and the access log stores that wrap one.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports the result of p.Ping.
func Ping(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Socket reports whether a unix socket exists at path. An empty path means
// the subsystem is disabled, which is healthy.
func Socket(name, path string) Checker {
	return func(_ context.Context) Status {
		if path == "" {
			return Status{Name: name, Healthy: true, Detail: "disabled"}
		}
		fi, err := os.Stat(path)
		if err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		if fi.Mode()&os.ModeSocket == 0 {
			return Status{Name: name, Healthy: false, Detail: path + " is not a socket"}
		}
		return Status{Name: name, Healthy: true, Detail: path}
	}
}
