// breaker.go - Circuit breaker in front of the metadata store.
//
// When the database stops answering, request handlers fail fast instead of
// each waiting out a connection timeout. Only ErrUnavailable-class errors
// count as failures; ErrNotFound and ErrDuplicate are normal answers.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"file-relay/internal/keys"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed: requests flow normally
	StateClosed CircuitState = iota
	// StateOpen: requests fail fast
	StateOpen
	// StateHalfOpen: one request is let through to probe recovery
	StateHalfOpen
)

func (s CircuitState) String() string {
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

var (
	// ErrCircuitOpen is returned while the breaker is open. It wraps ErrUnavailable.
	ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", ErrUnavailable)
	// ErrTooManyRequests is returned when a half-open breaker is already probing.
	ErrTooManyRequests = fmt.Errorf("%w: too many requests while circuit is half-open", ErrUnavailable)
)

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures uint32
	timeout     time.Duration
	maxHalfOpen uint32
	now         func() time.Time

	state            CircuitState
	failures         uint32
	lastFailureTime  time.Time
	halfOpenRequests uint32

	totalRequests    uint64
	failedRequests   uint64
	rejectedRequests uint64
}

// NewCircuitBreaker opens after maxFailures consecutive failures and probes
// again once timeout has passed.
func NewCircuitBreaker(maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		maxHalfOpen: 1,
		now:         time.Now,
		state:       StateClosed,
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	cb.totalRequests++

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			cb.rejectedRequests++
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenRequests = 0
		log.Info().Str("service", "store").Str("timeout_elapsed", cb.timeout.String()).
			Msg("circuit_breaker_half_open")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.maxHalfOpen {
			cb.rejectedRequests++
			cb.mu.Unlock()
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
	if isStoreFailure(err) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

func (cb *CircuitBreaker) onSuccess() {
	if cb.state == StateHalfOpen {
		log.Info().Str("service", "store").Str("reason", "recovery_successful").
			Msg("circuit_breaker_closed")
	}
	cb.state = StateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.failedRequests++
	cb.failures++
	cb.lastFailureTime = cb.now()

	if cb.failures >= cb.maxFailures && cb.state != StateOpen {
		cb.state = StateOpen
		log.Warn().Str("service", "store").
			Uint32("failures", cb.failures).
			Uint32("max_failures", cb.maxFailures).
			Str("timeout", cb.timeout.String()).
			Msg("circuit_breaker_opened")
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state.String(),
		Failures:         cb.failures,
		TotalRequests:    cb.totalRequests,
		FailedRequests:   cb.failedRequests,
		RejectedRequests: cb.rejectedRequests,
		LastFailureTime:  cb.lastFailureTime,
	}
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	State            string    `json:"state"`
	Failures         uint32    `json:"failures"`
	TotalRequests    uint64    `json:"total_requests"`
	FailedRequests   uint64    `json:"failed_requests"`
	RejectedRequests uint64    `json:"rejected_requests"`
	LastFailureTime  time.Time `json:"last_failure_time"`
}

func isStoreFailure(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Guarded routes every Store call through a CircuitBreaker.
type Guarded struct {
	next    Store
	Breaker *CircuitBreaker
}

// NewGuarded wraps next with cb.
func NewGuarded(next Store, cb *CircuitBreaker) *Guarded {
	return &Guarded{next: next, Breaker: cb}
}

func (g *Guarded) Ping(ctx context.Context) error {
	return g.Breaker.Execute(func() error { return g.next.Ping(ctx) })
}

func (g *Guarded) Insert(ctx context.Context, rec Record) error {
	return g.Breaker.Execute(func() error { return g.next.Insert(ctx, rec) })
}

func (g *Guarded) Find(ctx context.Context, key keys.Key) (Record, error) {
	var rec Record
	err := g.Breaker.Execute(func() error {
		var err error
		rec, err = g.next.Find(ctx, key)
		return err
	})
	return rec, err
}

func (g *Guarded) Delete(ctx context.Context, key keys.Key) error {
	return g.Breaker.Execute(func() error { return g.next.Delete(ctx, key) })
}

func (g *Guarded) Scan(ctx context.Context, fn func(Record) error) error {
	return g.Breaker.Execute(func() error { return g.next.Scan(ctx, fn) })
}

func (g *Guarded) Close() error {
	return g.next.Close()
}
