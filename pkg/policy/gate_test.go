package policy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answer resolves every prompt with d and counts how many were asked.
func answer(ctx context.Context, g *Gate, d Decision, asked *atomic.Int32) {
	for {
		select {
		case p := <-g.Requests():
			asked.Add(1)
			p.Resolve(d)
		case <-ctx.Done():
			return
		}
	}
}

func confirmAll(t *testing.T) *Gate {
	t.Helper()
	cp, err := Compile(Policy{
		Rules: []Rule{
			{Kind: KindRead, Pattern: "**", Permission: Allow},
			{Kind: KindWrite, Pattern: "/**", Permission: Deny},
			{Kind: KindWrite, Pattern: "**", Permission: Confirm},
		},
	})
	require.NoError(t, err)
	return NewGate(cp)
}

func TestGateAllowAndDenyNeverPrompt(t *testing.T) {
	g := confirmAll(t)
	ctx := context.Background()

	perm, err := g.Check(ctx, "turn-1", Read("a.go", "/repo", ""))
	require.NoError(t, err)
	assert.Equal(t, Allow, perm)

	perm, err = g.Check(ctx, "turn-1", Write("/etc/hosts", "/repo", ""))
	require.NoError(t, err)
	assert.Equal(t, Deny, perm)
}

func TestGateConfirmCachedWithinTurn(t *testing.T) {
	g := confirmAll(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var asked atomic.Int32
	go answer(ctx, g, Decision{Allow: true}, &asked)

	op := Write("main.go", "/repo", "edit")
	for i := 0; i < 3; i++ {
		perm, err := g.Check(ctx, "turn-1", op)
		require.NoError(t, err)
		assert.Equal(t, Allow, perm)
	}
	assert.Equal(t, int32(1), asked.Load())

	// A different subject in the same turn asks again.
	_, err := g.Check(ctx, "turn-1", Write("other.go", "/repo", ""))
	require.NoError(t, err)
	assert.Equal(t, int32(2), asked.Load())

	// The next turn asks again for the same subject.
	_, err = g.Check(ctx, "turn-2", op)
	require.NoError(t, err)
	assert.Equal(t, int32(3), asked.Load())
}

func TestGateRememberSpansTurns(t *testing.T) {
	g := confirmAll(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var asked atomic.Int32
	go answer(ctx, g, Decision{Allow: false, Remember: true}, &asked)

	op := Write("main.go", "/repo", "")
	perm, err := g.Check(ctx, "turn-1", op)
	require.NoError(t, err)
	assert.Equal(t, Deny, perm)

	g.EndTurn("turn-1")
	perm, err = g.Check(ctx, "turn-2", op)
	require.NoError(t, err)
	assert.Equal(t, Deny, perm)
	assert.Equal(t, int32(1), asked.Load())
}

func TestGateEndTurnForgetsTurnDecisions(t *testing.T) {
	g := confirmAll(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var asked atomic.Int32
	go answer(ctx, g, Decision{Allow: true}, &asked)

	op := Write("main.go", "/repo", "")
	_, err := g.Check(ctx, "turn-1", op)
	require.NoError(t, err)
	g.EndTurn("turn-1")
	_, err = g.Check(ctx, "turn-1", op)
	require.NoError(t, err)
	assert.Equal(t, int32(2), asked.Load())
}

func TestGateConfirmCancelled(t *testing.T) {
	g := confirmAll(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	perm, err := g.Check(ctx, "turn-1", Write("main.go", "/repo", ""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Deny, perm)
}

func TestGateConfirmCancelledWhileWaitingForAnswer(t *testing.T) {
	g := confirmAll(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-g.Requests()
		cancel()
	}()

	perm, err := g.Check(ctx, "turn-1", Write("main.go", "/repo", ""))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Deny, perm)
}

func TestGateSetPolicy(t *testing.T) {
	g := NewGate(nil)
	assert.Equal(t, Confirm, g.Policy().Default())

	cp, err := Compile(Policy{Default: Allow})
	require.NoError(t, err)
	g.SetPolicy(cp)
	g.SetPolicy(nil)

	perm, err := g.Check(context.Background(), "t", Execute("ls", "/"))
	require.NoError(t, err)
	assert.Equal(t, Allow, perm)
}

func TestPendingDecisionResolveOnce(t *testing.T) {
	p := &PendingDecision{respond: make(chan Decision, 1)}
	p.Resolve(Decision{Allow: true})
	p.Resolve(Decision{Allow: false})
	assert.True(t, (<-p.respond).Allow)
}
