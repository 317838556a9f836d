// Package breaker wraps github.com/sony/gobreaker with a process-wide named
// registry, matching the spec's "named instances live in a process-wide
// registry for metrics exposure" requirement (gobreaker itself has no
// registry concept). See DESIGN.md for the grounding note on this library:
// it is a direct dependency in the jordigilh-kubernaut example's go.mod, but
// no literal import site survived retrieval, so this wrapper is built
// against gobreaker's documented public surface.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/storeforge/internal/apperror"
)

// Config configures a named breaker.
type Config struct {
	Name             string
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenMax      uint32
	IsFailure        func(err error) bool // nil means all errors count
}

// Breaker is a three-state circuit breaker guarding a single named
// dependency (e.g. "cluster").
type Breaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker
	isFailure func(err error) bool
	reset     time.Duration
}

// New constructs a breaker from cfg.
func New(cfg Config) *Breaker {
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(error) bool { return true }
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},
	}

	return &Breaker{
		name:      cfg.Name,
		cb:        gobreaker.NewCircuitBreaker(settings),
		isFailure: isFailure,
		reset:     cfg.ResetTimeout,
	}
}

// Execute runs f through the breaker. When the breaker is open, it returns a
// retryable CIRCUIT_OPEN apperror instead of calling f.
func (b *Breaker) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, f(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperror.CircuitOpen(int(b.reset.Seconds()))
	}
	return err
}

// State reports the breaker's current state as one of "closed", "open", "half_open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// registry is the process-wide named breaker store, giving metrics export a
// single place to enumerate breaker state by name.
var (
	registryMu sync.RWMutex
	registry   = map[string]*Breaker{}
)

// Register adds b to the process-wide registry under its name. Registering
// the same name twice replaces the previous entry.
func Register(b *Breaker) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.name] = b
}

// Get looks up a registered breaker by name.
func Get(name string) (*Breaker, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	return b, ok
}

// All returns a snapshot of every registered breaker's name and state, for
// metrics exposition.
func All() map[string]string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make(map[string]string, len(registry))
	for name, b := range registry {
		out[name] = b.State()
	}
	return out
}

// StatusCoder is implemented by cluster errors that carry an HTTP-like
// status code, so the breaker can apply the 4xx exemption below.
type StatusCoder interface {
	StatusCode() int
}

// ClusterIsFailure implements the spec's rule that the cluster adapter's
// breaker must not count 4xx responses (except 408/425/429) as failures.
func ClusterIsFailure(err error) bool {
	if err == nil {
		return false
	}
	sc, ok := err.(StatusCoder)
	if !ok {
		return true
	}
	status := sc.StatusCode()
	if status < 400 || status >= 500 {
		return true
	}
	switch status {
	case 408, 425, 429:
		return true
	default:
		return false
	}
}
