package events

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskTiming records one task's observed execution window. Start and End are
// seconds since epoch, matching the persisted artifact schema.
type TaskTiming struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// MetricsObserver consumes the event stream and maintains both Prometheus
// series and the in-memory per-task timing table used by session summaries.
type MetricsObserver struct {
	sub *Subscription
	wg  sync.WaitGroup

	mu      sync.RWMutex
	timings map[string]TaskTiming

	tasksTotal    *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	eventsTotal   *prometheus.CounterVec
	devicesOnline prometheus.Gauge
	plannerTurns  prometheus.Counter
	overflowTotal prometheus.Counter
}

// NewMetricsObserver registers the collector set on reg (a fresh registry is
// used when nil) and starts consuming from the bus.
func NewMetricsObserver(bus *Bus, reg *prometheus.Registry) *MetricsObserver {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &MetricsObserver{
		sub:     bus.SubscribeBuffered("metrics", 1024),
		timings: make(map[string]TaskTiming),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galaxy_tasks_total",
			Help: "Tasks reaching a terminal state, by outcome.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "galaxy_task_duration_seconds",
			Help:    "Wall-clock task execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "galaxy_events_total",
			Help: "Bus events observed, by kind.",
		}, []string{"type"}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "galaxy_devices_online",
			Help: "Devices currently registered and connected.",
		}),
		plannerTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galaxy_planner_turns_total",
			Help: "Planner LLM turns taken.",
		}),
		overflowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "galaxy_bus_subscriber_overflow_total",
			Help: "Events dropped from slow subscriber queues.",
		}),
	}
	reg.MustRegister(m.tasksTotal, m.taskDuration, m.eventsTotal, m.devicesOnline, m.plannerTurns, m.overflowTotal)

	m.wg.Add(1)
	go m.run()
	return m
}

func (m *MetricsObserver) run() {
	defer m.wg.Done()
	for e := range m.sub.C() {
		m.observe(e)
	}
}

func (m *MetricsObserver) observe(e Event) {
	m.eventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case TaskStarted:
		if p, ok := e.Payload.(TaskPayload); ok {
			m.mu.Lock()
			t := m.timings[p.TaskID]
			t.Start = float64(e.Timestamp.UnixNano()) / 1e9
			t.End, t.Duration = 0, 0
			m.timings[p.TaskID] = t
			m.mu.Unlock()
		}
	case TaskCompleted, TaskFailed, TaskCancelled:
		status := strings.TrimPrefix(string(e.Type), "task.")
		m.tasksTotal.WithLabelValues(status).Inc()
		if p, ok := e.Payload.(TaskPayload); ok {
			m.mu.Lock()
			t := m.timings[p.TaskID]
			t.End = float64(e.Timestamp.UnixNano()) / 1e9
			if t.Start > 0 && t.End >= t.Start {
				t.Duration = t.End - t.Start
				m.taskDuration.Observe(t.Duration)
			}
			m.timings[p.TaskID] = t
			m.mu.Unlock()
		}
	case DeviceRegistered:
		m.devicesOnline.Inc()
	case DeviceDisconnected:
		m.devicesOnline.Dec()
	case AgentResponse:
		m.plannerTurns.Inc()
	case SubscriberOverflow:
		m.overflowTotal.Inc()
	}
}

// TaskTimings returns a copy of the per-task timing table.
func (m *MetricsObserver) TaskTimings() map[string]TaskTiming {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TaskTiming, len(m.timings))
	for id, t := range m.timings {
		out[id] = t
	}
	return out
}

// Close waits for the observer goroutine after the bus has shut down.
func (m *MetricsObserver) Close() {
	m.wg.Wait()
}

// SnapshotFunc renders the current constellation as JSON for presenters.
type SnapshotFunc func() ([]byte, error)

// VisualizationObserver feeds DAG snapshots to an attached presenter whenever
// the graph or any task changes. The sink must be fast; it receives the
// serialized snapshot and the triggering event.
type VisualizationObserver struct {
	sub      *Subscription
	snapshot SnapshotFunc
	sink     func(snapshot []byte, trigger Event)
	wg       sync.WaitGroup
}

// NewVisualizationObserver attaches an observer to the bus.
func NewVisualizationObserver(bus *Bus, snapshot SnapshotFunc, sink func([]byte, Event)) *VisualizationObserver {
	v := &VisualizationObserver{
		sub:      bus.SubscribeBuffered("visualization", 256),
		snapshot: snapshot,
		sink:     sink,
	}
	v.wg.Add(1)
	go v.run()
	return v
}

func (v *VisualizationObserver) run() {
	defer v.wg.Done()
	for e := range v.sub.C() {
		switch {
		case strings.HasPrefix(string(e.Type), "task."),
			strings.HasPrefix(string(e.Type), "dependency."),
			strings.HasPrefix(string(e.Type), "constellation."):
			b, err := v.snapshot()
			if err != nil {
				slog.Warn("visualization: snapshot failed", "error", err)
				continue
			}
			v.sink(b, e)
		}
	}
}

// Close waits for the observer goroutine after the bus has shut down.
func (v *VisualizationObserver) Close() {
	v.wg.Wait()
}
