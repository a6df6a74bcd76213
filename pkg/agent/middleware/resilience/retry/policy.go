// Package retry provides classification-based retry with exponential backoff for provider calls.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`     // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`   // Delay before the first retry
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`           // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter" yaml:"jitter"`                 // Spread delays by up to ±10%
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Class is the retry classification of a failure.
type Class int

const (
	// Terminal failures propagate after the attempt that produced them.
	Terminal Class = iota
	// Transient failures are retried with backoff.
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "terminal"
}

// Classifier assigns a Class to an error.
type Classifier func(error) Class

// Classify is the default classifier.
//
// Cancellation is terminal. Typed provider errors follow IsRetryable. A deadline
// that is not the caller's own (a per-request HTTP timeout) is transient, as are
// network timeouts, connection resets and truncated bodies. Anything else is terminal.
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	if errors.Is(err, context.Canceled) {
		return Terminal
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		if llmErr.IsRetryable() {
			return Transient
		}
		return Terminal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Transient
	}

	return Terminal
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// NewPolicy creates a retry policy. A nil classifier selects Classify.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = Classify
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor <= 0 {
		config.BackoffFactor = 1
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay computes the delay before the given attempt number.
// Attempt 1 never waits; attempt 2 waits InitialDelay; each later attempt multiplies by BackoffFactor.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	// Clamp before converting; large attempt counts overflow time.Duration.
	scaled := float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2))
	var delay time.Duration
	switch {
	case p.Config.MaxDelay > 0 && scaled > float64(p.Config.MaxDelay):
		delay = p.Config.MaxDelay
	case scaled >= math.MaxInt64:
		delay = time.Duration(math.MaxInt64)
	default:
		delay = time.Duration(scaled)
	}

	if p.Config.Jitter && delay > 0 {
		spread := (rand.Float64()*2 - 1) * 0.1 //nolint:gosec // jitter does not need crypto randomness
		if jittered := delay + time.Duration(float64(delay)*spread); jittered > 0 {
			delay = jittered
		}
	}

	return delay
}

// ShouldRetry reports whether err is classified as transient.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err) == Transient
}
