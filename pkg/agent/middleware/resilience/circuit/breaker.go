// Package circuit stops calling a vendor that keeps failing and probes it
// again after a cool-down.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	Closed   State = iota // calls flow
	Open                  // calls rejected
	HalfOpen              // probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config defines when the breaker trips and recovers.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures that open the circuit
	SuccessThreshold int           `yaml:"success_threshold"` // probe successes that close it again
	Timeout          time.Duration `yaml:"timeout"`           // cool-down before probing
}

// DefaultConfig is used for zero fields.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Error is returned instead of calling the vendor while the circuit is open.
// It unwraps to a service-unavailable llmerrors.Error so callers never retry it.
type Error struct {
	State      State
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s (retry after %s)", e.State, e.RetryAfter.Round(time.Second))
}

func (e *Error) Unwrap() error {
	return llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable, "provider temporarily disabled after repeated failures")
}

// Breaker tracks call outcomes for one vendor.
type Breaker interface {
	Allow() bool
	Record(success bool)
	GetState() State
	Reset()
}

//nolint:govet // Logical field grouping preferred over memory alignment
type breaker struct {
	config   Config
	onChange func(from, to State)
	now      func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
}

// Option customizes a breaker.
type Option func(*breaker)

// WithStateChange registers fn to be called on every transition. fn runs with
// the breaker locked and must not call back into it.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *breaker) { b.onChange = fn }
}

// New creates a closed breaker. Zero config fields take DefaultConfig values.
func New(config Config, opts ...Option) Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig.Timeout
	}
	b := &breaker{config: config, state: Closed, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.config.Timeout {
			b.transition(HalfOpen)
			return true
		}
	}
	return false
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failureCount = 0
		if b.state == HalfOpen {
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.transition(Closed)
			}
		}
		return
	}

	b.failureCount++
	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

func (b *breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.transition(Closed)
}

// retryAfter reports how long an open circuit stays closed to callers.
func (b *breaker) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	if d := b.config.Timeout - b.now().Sub(b.openedAt); d > 0 {
		return d
	}
	return 0
}

func (b *breaker) trip() {
	b.openedAt = b.now()
	b.transition(Open)
}

func (b *breaker) transition(to State) {
	from := b.state
	b.state = to
	b.successCount = 0
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

// rejection builds the error for a refused call.
func rejection(br Breaker) *Error {
	e := &Error{State: br.GetState()}
	if b, ok := br.(*breaker); ok {
		e.RetryAfter = b.retryAfter()
	}
	return e
}
