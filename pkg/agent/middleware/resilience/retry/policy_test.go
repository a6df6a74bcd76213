package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sternelee/reforge-sub005/pkg/agent/llm"
	"github.com/sternelee/reforge-sub005/pkg/agent/llmerrors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func fastPolicy(attempts int) *Policy {
	return NewPolicy(Config{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}, nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Terminal},
		{"canceled", context.Canceled, Terminal},
		{"wrapped canceled", fmt.Errorf("call: %w", context.Canceled), Terminal},
		{"request deadline", fmt.Errorf("http: %w", context.DeadlineExceeded), Transient},
		{"overloaded", llmerrors.NewError(llmerrors.ErrorTypeOverloaded, "overloaded"), Transient},
		{"rate limit", llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow down"), Transient},
		{"5xx", llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, 502, "bad gateway"), Transient},
		{"auth", llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key"), Terminal},
		{"bad prompt", llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "too long"), Terminal},
		{"wrapped auth", fmt.Errorf("call: %w", llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")), Terminal},
		{"service unavailable", llmerrors.NewServiceUnavailableError(errors.New("x"), 3), Terminal},
		{"net timeout", timeoutErr{}, Transient},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), Transient},
		{"plain error", errors.New("something odd"), Terminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(Config{}, nil)
	assert.Equal(t, 1, p.Config.MaxAttempts)
	assert.True(t, p.ShouldRetry(timeoutErr{}))

	custom := NewPolicy(DefaultConfig, func(error) Class { return Transient })
	assert.True(t, custom.ShouldRetry(errors.New("anything")))
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:   6,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	}, nil)

	assert.Zero(t, p.CalculateDelay(1))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, 400*time.Millisecond, p.CalculateDelay(4))
	assert.Equal(t, 800*time.Millisecond, p.CalculateDelay(5))
	assert.Equal(t, time.Second, p.CalculateDelay(6), "capped at MaxDelay")
}

func TestCalculateDelayLargeAttemptsStayCapped(t *testing.T) {
	capped := NewPolicy(Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2, Jitter: true}, nil)
	uncapped := NewPolicy(Config{InitialDelay: time.Second, BackoffFactor: 2}, nil)

	for _, attempt := range []int{40, 64, 100, 2000} {
		d := capped.CalculateDelay(attempt)
		assert.GreaterOrEqual(t, d, 27*time.Second, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 33*time.Second, "attempt %d", attempt)
		assert.Equal(t, time.Duration(math.MaxInt64), uncapped.CalculateDelay(attempt), "attempt %d", attempt)
	}
}

func TestCalculateDelayJitterStaysWithinTenPercent(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
		Jitter:        true,
	}, nil)

	for i := 0; i < 50; i++ {
		d := p.CalculateDelay(2)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestDoTransientRetriedUpToBoundAndSurfacesLastError(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), fastPolicy(4), func(context.Context) error {
		calls++
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, 500+calls, fmt.Sprintf("failure %d", calls))
	})

	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure 4")
	assert.Equal(t, llmerrors.ErrorTypeTransient, llmerrors.TypeOf(err))
}

func TestDoTerminalNeverRetried(t *testing.T) {
	calls := 0
	terminal := llmerrors.NewError(llmerrors.ErrorTypeAuth, "invalid key")
	attempts, err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return terminal
	})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Same(t, terminal, err)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var observed []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { observed = append(observed, attempt) }

	attempts, err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return llmerrors.NewError(llmerrors.ErrorTypeOverloaded, "overloaded")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{2, 3}, observed)
}

func TestDoStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, nil)

	attempts, err := Do(ctx, p, func(context.Context) error {
		cancel()
		return timeoutErr{}
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, timeoutErr{})
}

func TestDoStopsOnCancelledBackoffSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, nil)
	p.OnRetry = func(int, error, time.Duration) { cancel() }

	// The classifier sees a transient error while ctx is still live, so Do sleeps and is woken by cancel.
	attempts, err := Do(ctx, p, func(context.Context) error { return timeoutErr{} })
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMiddlewareReplaysFullRequest(t *testing.T) {
	var seen []int
	calls := 0
	base := llm.WrapClient(
		func(_ context.Context, req llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
			calls++
			seen = append(seen, len(req.Messages))
			if calls == 1 {
				return llm.ChatCompletionMessage{}, llmerrors.NewError(llmerrors.ErrorTypeOverloaded, "busy")
			}
			return llm.ChatCompletionMessage{Content: "ok"}, nil
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return nil, errors.New("unused")
		},
		func() string { return "m" },
	)

	client := llm.Chain(base, Middleware(fastPolicy(3)))
	req := llm.NewCompletionRequest([]llm.Message{llm.NewSystemMessage("s"), llm.NewUserMessage("u")})
	resp, err := client.Complete(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, []int{2, 2}, seen)
}

func TestMiddlewareStreamRetriesEstablishmentOnly(t *testing.T) {
	calls := 0
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.ChatCompletionMessage, error) {
			return llm.ChatCompletionMessage{}, nil
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			calls++
			if calls == 1 {
				return nil, timeoutErr{}
			}
			ch := make(chan llm.StreamEvent, 2)
			ch <- llm.StreamEvent{Kind: llm.EventText, Text: "partial"}
			ch <- llm.StreamEvent{Kind: llm.EventError, Err: llmerrors.NewError(llmerrors.ErrorTypeOverloaded, "mid-stream")}
			close(ch)
			return ch, nil
		},
		func() string { return "m" },
	)

	client := Middleware(fastPolicy(3))(base)
	stream, err := client.Stream(context.Background(), llm.NewCompletionRequest(nil))
	require.NoError(t, err)

	_, err = llm.Fold(context.Background(), stream)
	assert.Equal(t, llmerrors.ErrorTypeOverloaded, llmerrors.TypeOf(err))
	assert.Equal(t, 2, calls, "a failure inside an established stream is not retried")
}
