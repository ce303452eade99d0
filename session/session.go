// Package session owns the top-level lifecycle: a Session carries the shared
// device registry, event bus, and transport; each Round takes one user
// request through plan, execute, repair, and terminal evaluation.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/galaxy/constellation"
	"github.com/hrygo/galaxy/device"
	"github.com/hrygo/galaxy/events"
	"github.com/hrygo/galaxy/llm"
	"github.com/hrygo/galaxy/orchestrator"
	"github.com/hrygo/galaxy/planner"
	"github.com/hrygo/galaxy/planner/editor"
)

// Config tunes round budgets and executor behavior.
type Config struct {
	MaxPlannerTurns   int
	MaxToolCalls      int
	RoundWallClock    time.Duration
	TaskTimeout       time.Duration
	QuiescenceWindow  time.Duration
	DefaultMaxRetries int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxParallelTasks  int
	// DataDir is where per-session artifacts land. Empty disables artifacts.
	DataDir string
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxPlannerTurns:   10,
		MaxToolCalls:      64,
		RoundWallClock:    15 * time.Minute,
		TaskTimeout:       120 * time.Second,
		QuiescenceWindow:  200 * time.Millisecond,
		DefaultMaxRetries: 3,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		MaxParallelTasks:  8,
	}
}

// TrajectoryStore persists session summaries. Implemented by store.Store;
// nil disables persistence.
type TrajectoryStore interface {
	SaveSession(ctx context.Context, sessionID, request, status string, summary []byte) error
}

// LostTaskBinder routes device-loss callbacks to the active round's
// orchestrator. The transport hub and heartbeat monitor call whatever
// callback is currently bound.
type LostTaskBinder func(cb func(deviceID, taskID string))

// Round records one request's journey to a terminal state.
type Round struct {
	Index     int
	Request   string
	State     constellation.State
	FailKind  string
	Turns     int
	StartedAt time.Time
	EndedAt   time.Time
}

// Session is the top-level container. One session serves many rounds against
// the same device fleet.
type Session struct {
	id         string
	name       string
	registry   *device.Registry
	bus        *events.Bus
	dispatcher orchestrator.Dispatcher
	llm        llm.Service
	metrics    *events.MetricsObserver
	store      TrajectoryStore
	bindLost   LostTaskBinder
	cfg        *Config

	rounds    []*Round
	artifacts *ArtifactWriter
	startedAt time.Time
}

// New creates a session. metrics, store, and bindLost may be nil.
func New(name string, registry *device.Registry, bus *events.Bus, dispatcher orchestrator.Dispatcher,
	service llm.Service, metrics *events.MetricsObserver, store TrajectoryStore,
	bindLost LostTaskBinder, cfg *Config) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Session{
		id:         "sess-" + shortuuid.New(),
		name:       name,
		registry:   registry,
		bus:        bus,
		dispatcher: dispatcher,
		llm:        service,
		metrics:    metrics,
		store:      store,
		bindLost:   bindLost,
		cfg:        cfg,
		startedAt:  time.Now(),
	}
	bus.Publish(events.SessionStarted, s.id, map[string]string{"session_name": name})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Rounds returns the rounds run so far.
func (s *Session) Rounds() []*Round { return s.rounds }

// Run takes one request through a full round and returns its result.
func (s *Session) Run(ctx context.Context, request string) (*Result, error) {
	round := &Round{
		Index:     len(s.rounds) + 1,
		Request:   request,
		StartedAt: time.Now(),
	}
	s.rounds = append(s.rounds, round)
	s.openArtifacts()
	s.bus.Publish(events.RoundStarted, s.id, map[string]any{"round": round.Index, "request": request})

	result := s.runRound(ctx, round)
	if result.State != constellation.StateCompleted {
		result.TransportDown = s.fleetDown()
	}

	round.EndedAt = time.Now()
	round.State = result.State
	round.FailKind = result.FailKind
	s.bus.Publish(events.RoundEnded, s.id, map[string]any{
		"round":  round.Index,
		"state":  string(result.State),
		"rounds": len(s.rounds),
	})

	s.persist(ctx, result)
	return result, nil
}

func (s *Session) runRound(ctx context.Context, round *Round) *Result {
	result := &Result{
		SessionID: s.id,
		Request:   round.Request,
		Round:     round.Index,
	}

	roundCtx, cancel := context.WithTimeout(ctx, s.cfg.RoundWallClock)
	defer cancel()

	con := constellation.New(fmt.Sprintf("%s round %d", s.name, round.Index))
	con.SetDeviceValidator(s.registry.Exists)
	result.con = con

	ed := editor.New(con, s.registry, s.bus, s.cfg.DefaultMaxRetries)
	agent := planner.NewAgent(s.llm, ed, s.registry, s.bus, &planner.Config{
		MaxTurnsPerRound:     s.cfg.MaxPlannerTurns,
		MaxToolCallsPerRound: s.cfg.MaxToolCalls,
	})
	result.agent = agent

	if err := agent.Create(roundCtx, round.Request); err != nil {
		return s.roundFailed(result, con, err, roundCtx)
	}

	orc := orchestrator.New(con, s.registry, s.dispatcher, s.bus, s.id,
		orchestrator.WithMaxParallelTasks(s.cfg.MaxParallelTasks),
		orchestrator.WithTaskTimeout(s.cfg.TaskTimeout),
		orchestrator.WithQuiescenceWindow(s.cfg.QuiescenceWindow),
		orchestrator.WithBackoff(s.cfg.BackoffInitial, s.cfg.BackoffMax),
	)
	if s.bindLost != nil {
		s.bindLost(orc.HandleLostTask)
		defer s.bindLost(nil)
	}
	orc.Start(roundCtx)
	defer orc.Stop()

	// Structural edits land through the editor; the orchestrator only needs
	// a nudge to rescan.
	editWake := func() { orc.Wake() }

	for {
		if err := orc.WaitQuiescent(roundCtx); err != nil {
			orc.Cancel("round budget exhausted")
			result.State = constellation.StateFailed
			result.FailKind = string(planner.FailBudgetExhausted)
			result.Summary = "round wall clock exceeded"
			return result
		}

		snap, err := con.Snapshot().JSON()
		if err != nil {
			result.State = constellation.StateFailed
			result.Summary = err.Error()
			return result
		}
		status, err := agent.EditTurn(roundCtx, string(snap))
		switch {
		case err != nil:
			return s.roundFailed(result, con, err, roundCtx)
		case status == planner.StatusFinish:
			result.State = orc.Finalize()
			result.Summary = completionSummary(con)
			round.Turns = agent.Turns()
			return result
		default:
			round.Turns = agent.Turns()
			editWake()
		}
	}
}

// roundFailed settles a round that a planner error ended. Budget exhaustion
// caused by the wall clock is reported as such rather than as an LLM error.
func (s *Session) roundFailed(result *Result, con *constellation.TaskConstellation, err error, roundCtx context.Context) *Result {
	kind := planner.FailKindOf(err)
	if roundCtx.Err() != nil {
		kind = planner.FailBudgetExhausted
	}
	if kind == "" {
		kind = planner.FailParse
	}
	slog.Warn("session: round failed", "session_id", s.id, "kind", kind, "err", err)
	con.SetState(constellation.StateFailed)
	result.State = constellation.StateFailed
	result.FailKind = string(kind)
	result.Summary = err.Error()
	return result
}

// fleetDown reports whether no registered device could take work: every
// device is failed, disconnected, or offline, or none exist at all.
func (s *Session) fleetDown() bool {
	for _, d := range s.registry.List() {
		if d.Status.Available() || d.Status == device.StatusBusy {
			return false
		}
	}
	return true
}

// completionSummary joins the results of completed tasks into the
// user-facing summary text.
func completionSummary(con *constellation.TaskConstellation) string {
	var parts []string
	for _, task := range con.Tasks() {
		if task.Status == constellation.TaskStatusCompleted && task.Result != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", task.TaskID, task.Result))
		}
	}
	if len(parts) == 0 {
		return "no task produced output"
	}
	return strings.Join(parts, "\n")
}

// openArtifacts lazily starts the session's event log so the whole round's
// event stream lands in events.jsonl. Failures are logged, not propagated.
func (s *Session) openArtifacts() {
	if s.cfg.DataDir == "" || s.artifacts != nil {
		return
	}
	writer, err := NewArtifactWriter(s.bus, s.cfg.DataDir, s.id)
	if err != nil {
		slog.Error("session: artifact dir unavailable", "err", err)
		return
	}
	s.artifacts = writer
}

// persist writes artifacts and the trajectory row. Failures are logged, not
// propagated: artifacts never fail a round retroactively.
func (s *Session) persist(ctx context.Context, result *Result) {
	doc := s.summarize(result)

	if s.artifacts != nil {
		if err := s.artifacts.WriteSummary(doc); err != nil {
			slog.Error("session: summary write failed", "err", err)
		}
		result.ArtifactDir = s.artifacts.Dir()
	}

	if s.store != nil {
		data, err := json.Marshal(doc)
		if err == nil {
			err = s.store.SaveSession(ctx, s.id, result.Request, string(result.State), data)
		}
		if err != nil {
			slog.Error("session: trajectory save failed", "session_id", s.id, "err", err)
		}
	}
}

func (s *Session) summarize(result *Result) summaryDoc {
	stats := result.con.GetStatistics()
	elapsed := time.Since(s.startedAt).Seconds()

	timings := map[string]events.TaskTiming{}
	if s.metrics != nil {
		timings = s.metrics.TaskTimings()
	}
	var llmStats llm.CallStats
	if result.agent != nil {
		llmStats = result.agent.Stats()
	}

	return summaryDoc{
		SessionName:   s.name,
		Request:       result.Request,
		Status:        string(result.State),
		ExecutionTime: elapsed,
		Rounds:        len(s.rounds),
		SessionResults: sessionResults{
			TotalExecutionTime:      elapsed,
			FinalConstellationStats: stats,
			Status:                  string(result.State),
			FinalResults:            []finalResult{{Request: result.Request, Result: result.Summary}},
			Metrics:                 metricsDoc{TaskTimings: timings, LLM: llmStats},
		},
		Constellation: constellationBrief{
			ID:              result.con.ID(),
			TaskCount:       stats.TotalTasks,
			DependencyCount: stats.TotalDependencies,
			State:           string(stats.State),
		},
	}
}

// Close announces session end on the bus and closes the artifact log.
func (s *Session) Close() {
	s.bus.Publish(events.SessionEnded, s.id, map[string]any{
		"session_name": s.name,
		"rounds":       len(s.rounds),
		"elapsed":      time.Since(s.startedAt).Seconds(),
	})
	if s.artifacts != nil {
		_ = s.artifacts.Close()
		s.artifacts = nil
	}
}
