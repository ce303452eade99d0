// Package planner is the LLM-driven controller that builds and repairs a
// task constellation through the editor tool surface. It holds a small
// finite state machine; the session round loop drives it turn by turn.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
	"github.com/hrygo/galaxy/llm"
	"github.com/hrygo/galaxy/planner/editor"
)

// State is the planner's FSM position.
type State string

const (
	StateInit        State = "INIT"
	StateCreate      State = "CREATE"
	StateExecuteWait State = "EXECUTE_WAIT"
	StateEdit        State = "EDIT"
	StateFinish      State = "FINISH"
	StateFail        State = "FAIL"
)

// FailKind classifies a planner-surfaced round failure.
type FailKind string

const (
	FailBudgetExhausted FailKind = "budget_exhausted"
	FailParse           FailKind = "planner_parse_error"
	FailDeclared        FailKind = "planner_declared_fail"
	FailLLM             FailKind = "llm_error"
)

// Failure is a typed planner failure; the session maps it to exit codes.
type Failure struct {
	Kind   FailKind
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("planner: %s: %s", f.Kind, f.Detail)
}

// FailKindOf extracts the failure kind, or "" when err is not a planner
// failure.
func FailKindOf(err error) FailKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Config bounds the planner per round.
type Config struct {
	MaxTurnsPerRound     int
	MaxToolCallsPerRound int
}

// DefaultConfig returns the default planner budgets.
func DefaultConfig() *Config {
	return &Config{
		MaxTurnsPerRound:     10,
		MaxToolCallsPerRound: 64,
	}
}

// Agent plans one round at a time. Not safe for concurrent use; the round
// loop is its only caller.
type Agent struct {
	llm      llm.Service
	editor   *editor.Editor
	registry *device.Registry
	bus      *events.Bus
	cfg      *Config

	state     State
	request   string
	turns     int
	toolCalls int
	// feedback carries the previous turn's rejection into the next prompt.
	feedback string

	stats llm.CallStats
}

// NewAgent creates a planner bound to one constellation's editor.
func NewAgent(service llm.Service, ed *editor.Editor, registry *device.Registry, bus *events.Bus, cfg *Config) *Agent {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Agent{
		llm:      service,
		editor:   ed,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		state:    StateInit,
	}
}

// State returns the FSM position.
func (a *Agent) State() State { return a.state }

// Turns returns how many LLM turns this round has consumed.
func (a *Agent) Turns() int { return a.turns }

// Stats returns the accumulated LLM usage for the round.
func (a *Agent) Stats() llm.CallStats { return a.stats }

func (a *Agent) publish(t events.Type, p events.AgentPayload) {
	if a.bus != nil {
		p.State = string(a.state)
		a.bus.Publish(t, "planner", p)
	}
}

func (a *Agent) chargeTurn() error {
	a.turns++
	if a.turns > a.cfg.MaxTurnsPerRound {
		a.state = StateFail
		return &Failure{Kind: FailBudgetExhausted, Detail: fmt.Sprintf("turn budget %d exceeded", a.cfg.MaxTurnsPerRound)}
	}
	return nil
}

func (a *Agent) chargeToolCalls(n int) error {
	a.toolCalls += n
	if a.toolCalls > a.cfg.MaxToolCallsPerRound {
		a.state = StateFail
		return &Failure{Kind: FailBudgetExhausted, Detail: fmt.Sprintf("tool call budget %d exceeded", a.cfg.MaxToolCallsPerRound)}
	}
	return nil
}

func (a *Agent) chat(ctx context.Context, prompt string) (*Response, error) {
	content, stats, err := a.llm.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, &Failure{Kind: FailLLM, Detail: err.Error()}
	}
	if stats != nil {
		a.stats.PromptTokens += stats.PromptTokens
		a.stats.CompletionTokens += stats.CompletionTokens
		a.stats.TotalTokens += stats.TotalTokens
		a.stats.TotalDurationMs += stats.TotalDurationMs
	}
	resp, err := parseResponse(content)
	if err != nil {
		return nil, err
	}
	a.publish(events.AgentResponse, events.AgentPayload{
		Thought:  resp.Thought,
		Response: resp.Response,
	})
	return resp, nil
}

// Create runs CREATE-mode turns until the constellation is built or the
// budget runs out. Parse errors and rejected builds burn a turn and feed the
// error back into the next prompt.
func (a *Agent) Create(ctx context.Context, request string) error {
	a.state = StateCreate
	a.request = request

	for {
		if err := a.chargeTurn(); err != nil {
			return err
		}
		prompt := buildCreatePrompt(request, a.registry.List())
		if a.feedback != "" {
			prompt += "\n\nYour previous turn was rejected:\n" + a.feedback +
				"\nNo edits were applied. Correct the problem."
		}

		resp, err := a.chat(ctx, prompt)
		if err != nil {
			if FailKindOf(err) == FailLLM || ctx.Err() != nil {
				a.state = StateFail
				return err
			}
			slog.Warn("planner: unparseable create turn", "turn", a.turns, "err", err)
			a.feedback = err.Error()
			continue
		}
		if resp.Status == StatusFail {
			a.state = StateFail
			return &Failure{Kind: FailDeclared, Detail: resp.Response}
		}

		if err := a.chargeToolCalls(len(resp.ToolCalls)); err != nil {
			return err
		}
		for _, call := range resp.ToolCalls {
			a.publish(events.AgentAction, events.AgentPayload{Tool: call.Tool, Args: call.Args})
		}
		if _, err := a.editor.ApplyTurn(resp.ToolCalls); err != nil {
			slog.Warn("planner: create turn rejected", "turn", a.turns, "err", err)
			a.feedback = err.Error()
			continue
		}
		if len(resp.ToolCalls) == 0 {
			a.feedback = "you made no tool calls; CREATE mode requires one build_constellation call"
			continue
		}

		a.feedback = ""
		a.state = StateExecuteWait
		slog.Info("planner: constellation built", "turns", a.turns)
		return nil
	}
}

// EditTurn runs exactly one EDIT-mode turn against the given snapshot and
// returns the planner's verdict. A parse error or rejected edit sequence
// consumes the turn, records feedback, and reports CONTINUE so execution
// resumes and the planner retries at the next quiescent point.
func (a *Agent) EditTurn(ctx context.Context, snapshot string) (Status, error) {
	a.state = StateEdit
	if err := a.chargeTurn(); err != nil {
		return StatusFail, err
	}

	prompt := buildEditPrompt(a.request, snapshot, a.registry.List(), a.feedback)
	resp, err := a.chat(ctx, prompt)
	if err != nil {
		if FailKindOf(err) == FailLLM || ctx.Err() != nil {
			a.state = StateFail
			return StatusFail, err
		}
		slog.Warn("planner: unparseable edit turn", "turn", a.turns, "err", err)
		a.feedback = err.Error()
		a.state = StateExecuteWait
		return StatusContinue, nil
	}

	if err := a.chargeToolCalls(len(resp.ToolCalls)); err != nil {
		return StatusFail, err
	}
	for _, call := range resp.ToolCalls {
		a.publish(events.AgentAction, events.AgentPayload{Tool: call.Tool, Args: call.Args})
	}
	if _, err := a.editor.ApplyTurn(resp.ToolCalls); err != nil {
		slog.Warn("planner: edit turn rejected", "turn", a.turns, "err", err)
		a.feedback = err.Error()
		a.state = StateExecuteWait
		return StatusContinue, nil
	}
	a.feedback = ""

	switch resp.Status {
	case StatusFinish:
		a.state = StateFinish
		return StatusFinish, nil
	case StatusFail:
		a.state = StateFail
		return StatusFail, &Failure{Kind: FailDeclared, Detail: resp.Response}
	default:
		a.state = StateExecuteWait
		return StatusContinue, nil
	}
}
