package constellation

import (
	"encoding/json"
	"sort"
	"time"
)

// Snapshot is the serialized form of an entire constellation. Editor tools
// return one after every successful edit and the planner receives one at the
// start of every edit turn.
type Snapshot struct {
	ConstellationID string            `json:"constellation_id"`
	Name            string            `json:"name,omitempty"`
	State           State             `json:"state"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Tasks           []*TaskStar       `json:"tasks"`
	Dependencies    []*TaskStarLine   `json:"dependencies"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Snapshot returns a deep, serializable copy of the constellation.
func (c *TaskConstellation) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		ConstellationID: c.id,
		Name:            c.name,
		State:           c.state,
		Metadata:        make(map[string]string, len(c.metadata)),
		Tasks:           make([]*TaskStar, 0, len(c.tasks)),
		Dependencies:    make([]*TaskStarLine, 0, len(c.deps)),
		CreatedAt:       c.createdAt,
		UpdatedAt:       c.updatedAt,
	}
	for k, v := range c.metadata {
		snap.Metadata[k] = v
	}
	for _, t := range c.tasks {
		snap.Tasks = append(snap.Tasks, t.clone())
	}
	sortTasks(snap.Tasks)
	for _, d := range c.deps {
		snap.Dependencies = append(snap.Dependencies, d.clone())
	}
	sortLines(snap.Dependencies)
	return snap
}

func sortLines(lines []*TaskStarLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].DependencyID < lines[j].DependencyID })
}

// JSON renders the snapshot as indented JSON.
func (s Snapshot) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// ToConfig converts the snapshot back to a build config, which fed to
// BuildFromConfig reproduces a structurally equal constellation.
func (s Snapshot) ToConfig() Config {
	cfg := Config{Name: s.Name, Metadata: s.Metadata}
	for _, t := range s.Tasks {
		cfg.Tasks = append(cfg.Tasks, TaskSpec{
			TaskID:         t.TaskID,
			Name:           t.Name,
			Description:    t.Description,
			Tips:           append([]string(nil), t.Tips...),
			TargetDeviceID: t.TargetDeviceID,
			Priority:       t.Priority,
			MaxRetries:     t.MaxRetries,
		})
	}
	for _, d := range s.Dependencies {
		cfg.Dependencies = append(cfg.Dependencies, DependencySpec{
			DependencyID:         d.DependencyID,
			FromTaskID:           d.FromTaskID,
			ToTaskID:             d.ToTaskID,
			Type:                 d.Type,
			ConditionDescription: d.ConditionDescription,
		})
	}
	return cfg
}
