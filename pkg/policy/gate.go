package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Decision is a human answer to a Confirm prompt.
type Decision struct {
	Allow bool
	// Remember extends the decision beyond the current turn to every later
	// operation with the same kind and subject.
	Remember bool
}

// Scope identifies operations that share a cached decision.
type Scope struct {
	Turn    string
	Kind    Kind
	Subject string
}

// PendingDecision is an operation waiting for a human answer. The driver that
// receives it from Gate.Requests must call Resolve exactly once.
type PendingDecision struct {
	ID        string
	Operation Operation
	Scope     Scope

	once    sync.Once
	respond chan Decision
}

// Resolve delivers the answer. Calls after the first are ignored.
func (p *PendingDecision) Resolve(d Decision) {
	p.once.Do(func() {
		p.respond <- d
	})
}

// Gate applies a compiled policy and runs the Confirm request/response exchange.
type Gate struct {
	policy   atomic.Pointer[CompiledPolicy]
	requests chan *PendingDecision

	mu      sync.Mutex
	turn    map[Scope]bool
	session map[Scope]bool
}

// NewGate returns a gate evaluating cp. A nil cp confirms everything.
func NewGate(cp *CompiledPolicy) *Gate {
	if cp == nil {
		cp, _ = Compile(Policy{})
	}
	g := &Gate{
		requests: make(chan *PendingDecision),
		turn:     make(map[Scope]bool),
		session:  make(map[Scope]bool),
	}
	g.policy.Store(cp)
	return g
}

// Requests is where Confirm prompts are published.
func (g *Gate) Requests() <-chan *PendingDecision {
	return g.requests
}

// SetPolicy swaps the policy in use. In-flight checks finish with the old one.
func (g *Gate) SetPolicy(cp *CompiledPolicy) {
	if cp == nil {
		return
	}
	g.policy.Store(cp)
}

// Policy returns the policy currently in use.
func (g *Gate) Policy() *CompiledPolicy {
	return g.policy.Load()
}

// Check resolves op to Allow or Deny for the given turn. Confirm results are
// answered from the decision cache when possible; otherwise a PendingDecision is
// published and Check blocks until it is resolved or ctx is done.
func (g *Gate) Check(ctx context.Context, turnID string, op Operation) (Permission, error) {
	perm := g.policy.Load().Authorize(op)
	if perm != Confirm {
		return perm, nil
	}

	scope := Scope{Turn: turnID, Kind: op.Kind, Subject: op.Subject()}
	if allowed, ok := g.cached(scope); ok {
		return boolPermission(allowed), nil
	}

	pending := &PendingDecision{
		ID:        uuid.NewString(),
		Operation: op,
		Scope:     scope,
		respond:   make(chan Decision, 1),
	}

	select {
	case g.requests <- pending:
	case <-ctx.Done():
		return Deny, fmt.Errorf("awaiting confirmation for %s: %w", op, ctx.Err())
	}

	select {
	case d := <-pending.respond:
		g.remember(scope, d)
		return boolPermission(d.Allow), nil
	case <-ctx.Done():
		return Deny, fmt.Errorf("awaiting confirmation for %s: %w", op, ctx.Err())
	}
}

// EndTurn drops the per-turn decisions recorded for turnID.
func (g *Gate) EndTurn(turnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for s := range g.turn {
		if s.Turn == turnID {
			delete(g.turn, s)
		}
	}
}

func (g *Gate) cached(scope Scope) (bool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if allowed, ok := g.turn[scope]; ok {
		return allowed, true
	}
	session := scope
	session.Turn = ""
	allowed, ok := g.session[session]
	return allowed, ok
}

func (g *Gate) remember(scope Scope, d Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turn[scope] = d.Allow
	if d.Remember {
		session := scope
		session.Turn = ""
		g.session[session] = d.Allow
	}
}

func boolPermission(allowed bool) Permission {
	if allowed {
		return Allow
	}
	return Deny
}
