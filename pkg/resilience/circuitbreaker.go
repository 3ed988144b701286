// Package resilience guards calls to the services a scan writes to: a
// circuit breaker in front of the match-event broker and the shared result
// cache, and exponential-backoff retry for publishing and persisting.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the guarded function while the
// breaker is open or its half-open trial slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls when the breaker trips and how it recovers.
// Zero fields take defaults: 5 failures, 30s reset, 1 trial call. OnStateChange is
// called with the breaker lock held and must not call back into the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	OnStateChange       func(name string, to State)
}

// Snapshot is a point-in-time view of a breaker for health reports.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	Rejected            int64
}

// CircuitBreaker trips open after FailureThreshold consecutive failures and
// rejects calls until ResetTimeout has passed. It then admits up to
// HalfOpenMaxRequests trial calls; one success closes it, one failure reopens it.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int
	rejected int64
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

// Execute calls fn unless the circuit is open. An error returned after ctx
// is done belongs to the caller and is not counted against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err, ctx.Err() != nil)
	return err
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return Snapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
		Rejected:            cb.rejected,
	}
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	switch cb.state {
	case StateOpen:
		cb.rejected++
		wait := cb.openedAt.Add(cb.cfg.ResetTimeout).Sub(cb.now())
		return fmt.Errorf("%w: %s (retry in %v)", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
	case StateHalfOpen:
		if cb.trials >= cb.cfg.HalfOpenMaxRequests {
			cb.rejected++
			return fmt.Errorf("%w: %s (trial call in flight)", ErrCircuitOpen, cb.name)
		}
		cb.trials++
	}
	return nil
}

func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) record(err error, abandoned bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
	switch {
	case abandoned:
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
	default:
		cb.failures++
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold) {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.trials = 0
	switch to {
	case StateOpen:
		cb.logger.Warn("circuit opened", "from", from, "consecutive_failures", cb.failures, "reset_after", cb.cfg.ResetTimeout)
	case StateHalfOpen:
		cb.logger.Info("circuit half-open, admitting trial calls", "trials", cb.cfg.HalfOpenMaxRequests)
	case StateClosed:
		cb.failures = 0
		cb.logger.Info("circuit closed", "rejected_while_open", cb.rejected)
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, to)
	}
}
