package session

import (
	"github.com/hrygo/galaxy/constellation"
	"github.com/hrygo/galaxy/planner"
)

// Exit codes for batch execution.
const (
	ExitCompleted       = 0
	ExitFailed          = 1
	ExitBudgetExhausted = 2
	ExitTransportDown   = 3
)

// Result is what a round hands back to the caller: the terminal state, the
// original request, and either a summary of completions or the first
// failure kind.
type Result struct {
	SessionID   string
	Round       int
	Request     string
	State       constellation.State
	FailKind    string
	Summary     string
	ArtifactDir string
	// TransportDown marks a failure with every device unreachable.
	TransportDown bool

	con   *constellation.TaskConstellation
	agent *planner.Agent
}

// Constellation exposes the round's graph for inspection.
func (r *Result) Constellation() *constellation.TaskConstellation { return r.con }

// ExitCode maps the result onto the CLI exit code contract.
func (r *Result) ExitCode() int {
	if r.State == constellation.StateCompleted {
		return ExitCompleted
	}
	if r.FailKind == string(planner.FailBudgetExhausted) {
		return ExitBudgetExhausted
	}
	if r.TransportDown {
		return ExitTransportDown
	}
	return ExitFailed
}
