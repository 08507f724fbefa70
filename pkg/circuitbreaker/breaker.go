package circuitbreaker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. Window is the trailing period in which failures
// are counted while closed; zero means only consecutive failures count.
type Config struct {
	FailureThreshold  uint32
	Window            time.Duration
	ResetTimeout      time.Duration
	BackoffMultiplier float64
	MaxResetTimeout   time.Duration
	OnStateChange     func(name string, from State, to State)
	Logger            *zap.Logger
	Clock             func() time.Time
}

type CircuitBreaker struct {
	name              string
	failureThreshold  uint32
	window            time.Duration
	resetTimeout      time.Duration
	backoffMultiplier float64
	maxResetTimeout   time.Duration
	onStateChange     func(name string, from State, to State)
	logger            *zap.Logger
	now               func() time.Time

	mu           sync.Mutex
	state        State
	generation   uint64
	failures     []time.Time
	probing      bool
	openedAt     time.Time
	currentReset time.Duration
	counts       Counts
}

// Counts is a point-in-time snapshot of breaker activity.
type Counts struct {
	Requests            uint64
	TotalSuccesses      uint64
	TotalFailures       uint64
	ConsecutiveFailures uint32
	ShortCircuits       uint64
	Probes              uint64
	Opens               uint64
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:              name,
		failureThreshold:  cfg.FailureThreshold,
		window:            cfg.Window,
		resetTimeout:      cfg.ResetTimeout,
		backoffMultiplier: cfg.BackoffMultiplier,
		maxResetTimeout:   cfg.MaxResetTimeout,
		onStateChange:     cfg.OnStateChange,
		logger:            cfg.Logger,
		now:               cfg.Clock,
	}

	if cb.failureThreshold == 0 {
		cb.failureThreshold = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.backoffMultiplier < 1 {
		cb.backoffMultiplier = 1
	}
	if cb.maxResetTimeout < cb.resetTimeout {
		cb.maxResetTimeout = cb.resetTimeout
	}
	if cb.logger == nil {
		cb.logger = zap.NewNop()
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	cb.currentReset = cb.resetTimeout

	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker short-circuits it. fn is never invoked
// while the breaker is open or while another half-open probe is in flight.
// A context.Canceled error from fn is not held against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, errors.New("panic"))
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.currentState(now)

	switch state {
	case StateOpen:
		cb.counts.ShortCircuits++
		return cb.generation, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			cb.counts.ShortCircuits++
			return cb.generation, ErrTooManyRequests
		}
		cb.probing = true
		cb.counts.Probes++
	}

	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.currentState(now)
	if cb.generation != before {
		return
	}

	switch {
	case err == nil:
		cb.onSuccess(state, now)
	case errors.Is(err, context.Canceled):
		if state == StateHalfOpen {
			cb.probing = false
		}
	default:
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveFailures = 0
	if cb.window == 0 {
		cb.failures = cb.failures[:0]
	}

	if state == StateHalfOpen {
		cb.currentReset = cb.resetTimeout
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++

	switch state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.trimFailures(now)
		if uint32(len(cb.failures)) >= cb.failureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		next := time.Duration(math.Round(float64(cb.currentReset) * cb.backoffMultiplier))
		if next > cb.maxResetTimeout {
			next = cb.maxResetTimeout
		}
		cb.currentReset = next
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) trimFailures(now time.Time) {
	if cb.window <= 0 {
		return
	}
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	cb.failures = cb.failures[i:]
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.openedAt.Add(cb.currentReset)) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	cb.probing = false
	cb.failures = cb.failures[:0]

	switch state {
	case StateOpen:
		cb.openedAt = now
		cb.counts.Opens++
	case StateClosed:
		cb.openedAt = time.Time{}
		cb.counts.ConsecutiveFailures = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Uint32("failures", cb.counts.ConsecutiveFailures),
		zap.Duration("reset_timeout", cb.currentReset),
	)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.currentState(cb.now())
}

// OpenedAt reports when the breaker last opened; zero while closed.
func (cb *CircuitBreaker) OpenedAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.openedAt
}

// ResetTimeout is the cooldown that applies to the current or next open period.
func (cb *CircuitBreaker) ResetTimeout() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.currentReset
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}
