package orchestrator

import (
	"errors"
	"fmt"
)

// State is where a turn is in its loop.
type State int

const (
	// AwaitingModel means the context is being sent to the provider.
	AwaitingModel State = iota
	// ExecutingTools means the last reply's tool calls are running.
	ExecutingTools
	// Compacting means older history is being summarized.
	Compacting
	// Terminated means the turn is over, successfully or not.
	Terminated
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case AwaitingModel:
		return "AwaitingModel"
	case ExecutingTools:
		return "ExecutingTools"
	case Compacting:
		return "Compacting"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrIterationLimit means the model kept requesting tools past the agent's cap.
	ErrIterationLimit = errors.New("iteration limit exceeded")

	// ErrTurnInProgress means another turn is already running on the conversation.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("user message is empty")
)

// TurnResult describes a finished turn. It is returned alongside the error
// when a turn aborts after the conversation was loaded.
//
//nolint:govet // fieldalignment: readability over layout
type TurnResult struct {
	ConversationID string
	// Final is the content of the reply that ended the turn.
	Final string
	// Iterations counts provider calls made for the turn.
	Iterations int
	// ToolCalls counts executed tool calls, including recovered failures.
	ToolCalls int
	// States is the sequence of states the turn passed through.
	States []State
}

func (r *TurnResult) enter(s State) {
	r.States = append(r.States, s)
}
