// Package health aggregates subsystem checks for the readiness endpoint.
//
// Critical checks (database, cache) make the service unready when they
// fail. Optional checks (external analyzers) only mark it degraded: the
// engine falls back to its rule sets when they are down.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/txrisk/internal/circuitbreaker"
)

// DefaultCheckTimeout bounds each check run by CheckAll.
const DefaultCheckTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the aggregate result of CheckAll.
type Report struct {
	Healthy  bool     `json:"healthy"`  // every critical check passed
	Degraded bool     `json:"degraded"` // some optional check failed
	Checks   []Status `json:"checks"`
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// Register adds a critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterOptional adds a checker whose failure degrades but does not fail readiness.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently, each under its own timeout,
// and returns results in registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			st.Critical = nc.critical
			statuses[i] = st
		}()
	}
	wg.Wait()

	rep := Report{Healthy: true, Checks: statuses}
	for _, st := range statuses {
		if st.Healthy {
			continue
		}
		if st.Critical {
			rep.Healthy = false
		} else {
			rep.Degraded = true
		}
	}
	return rep
}

// Ping adapts a ping-style function (sql.DB.PingContext, redis Ping) to a Checker.
func Ping(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Breaker reports an upstream as unhealthy while its circuit is open.
func Breaker(b *circuitbreaker.Breaker, key string) Checker {
	return func(context.Context) Status {
		st := b.State(key)
		return Status{Healthy: st != circuitbreaker.StateOpen, Detail: "circuit " + st.String()}
	}
}
