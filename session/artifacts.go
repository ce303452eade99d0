package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/hrygo/galaxy/constellation"
	"github.com/hrygo/galaxy/events"
	"github.com/hrygo/galaxy/llm"
)

// summaryDoc is the persisted session summary. Field layout is part of the
// artifact contract; downstream tooling parses it.
type summaryDoc struct {
	SessionName    string             `json:"session_name"`
	Request        string             `json:"request"`
	Status         string             `json:"status"`
	ExecutionTime  float64            `json:"execution_time"`
	Rounds         int                `json:"rounds"`
	SessionResults sessionResults     `json:"session_results"`
	Constellation  constellationBrief `json:"constellation"`
}

type sessionResults struct {
	TotalExecutionTime      float64                  `json:"total_execution_time"`
	FinalConstellationStats constellation.Statistics `json:"final_constellation_stats"`
	Status                  string                   `json:"status"`
	FinalResults            []finalResult            `json:"final_results"`
	Metrics                 metricsDoc               `json:"metrics"`
}

type finalResult struct {
	Request string `json:"request"`
	Result  string `json:"result"`
}

type metricsDoc struct {
	TaskTimings map[string]events.TaskTiming `json:"task_timings"`
	LLM         llm.CallStats                `json:"llm,omitempty"`
}

type constellationBrief struct {
	ID              string `json:"id"`
	TaskCount       int    `json:"task_count"`
	DependencyCount int    `json:"dependency_count"`
	State           string `json:"state"`
}

// ArtifactWriter persists the per-session execution log and summary under
// dataDir/<session-id>/.
type ArtifactWriter struct {
	dir string

	mu  sync.Mutex
	log *os.File
	sub *events.Subscription
	bus *events.Bus
	wg  sync.WaitGroup
}

// NewArtifactWriter opens the session's artifact directory and starts
// streaming every bus event to events.jsonl, one JSON line per event in
// emission order.
func NewArtifactWriter(bus *events.Bus, dataDir, sessionID string) (*ArtifactWriter, error) {
	dir := filepath.Join(dataDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact dir")
	}
	log, err := os.Create(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, errors.Wrap(err, "create execution log")
	}

	w := &ArtifactWriter{
		dir: dir,
		log: log,
		bus: bus,
		sub: bus.SubscribeBuffered("artifact-log", 1024),
	}
	w.wg.Add(1)
	go w.pump()
	return w, nil
}

// Dir returns the session's artifact directory.
func (w *ArtifactWriter) Dir() string { return w.dir }

func (w *ArtifactWriter) pump() {
	defer w.wg.Done()
	enc := json.NewEncoder(w.log)
	for e := range w.sub.C() {
		w.mu.Lock()
		_ = enc.Encode(e)
		w.mu.Unlock()
	}
}

// WriteSummary renders and writes summary.json.
func (w *ArtifactWriter) WriteSummary(doc summaryDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal summary")
	}
	path := filepath.Join(w.dir, "summary.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write summary")
	}
	return nil
}

// Close detaches from the bus, drains the log, and closes the file.
func (w *ArtifactWriter) Close() error {
	w.bus.Unsubscribe(w.sub)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log.Close()
}
