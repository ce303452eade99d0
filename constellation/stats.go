package constellation

import (
	"sort"
	"time"
)

// ParallelismMode records which weighting produced the parallelism figures.
type ParallelismMode string

const (
	// ParallelismByDuration is used when every finished task has timings.
	ParallelismByDuration ParallelismMode = "duration"
	// ParallelismByNodeCount is the fallback unit-weight mode.
	ParallelismByNodeCount ParallelismMode = "node_count"
)

// Statistics is the derived summary of a constellation, persisted in session
// artifacts.
type Statistics struct {
	ConstellationID    string             `json:"constellation_id"`
	State              State              `json:"state"`
	TotalTasks         int                `json:"total_tasks"`
	TotalDependencies  int                `json:"total_dependencies"`
	TaskStatusCounts   map[TaskStatus]int `json:"task_status_counts"`
	LongestPathLength  int                `json:"longest_path_length"`
	LongestPathTasks   []string           `json:"longest_path_tasks"`
	MaxWidth           int                `json:"max_width"`
	CriticalPathLength float64            `json:"critical_path_length"`
	TotalWork          float64            `json:"total_work"`
	ParallelismRatio   float64            `json:"parallelism_ratio"`
	ParallelismMode    ParallelismMode    `json:"parallelism_calculation_mode"`
	CriticalPathTasks  []string           `json:"critical_path_tasks"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// topoLocked returns a topological order of all task ids, caching the result
// until the next structural edit. The graph is acyclic by construction, so
// Kahn's algorithm always consumes every node.
func (c *TaskConstellation) topoLocked() []string {
	c.topoMu.Lock()
	defer c.topoMu.Unlock()
	if c.topoCache != nil {
		return c.topoCache
	}
	inDegree := make(map[string]int, len(c.tasks))
	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
		inDegree[id] = len(c.parents[id])
	}
	sort.Strings(ids)

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	order := make([]string, 0, len(c.tasks))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		next := make([]string, 0, len(c.children[cur]))
		for _, depID := range c.children[cur] {
			to := c.deps[depID].ToTaskID
			inDegree[to]--
			if inDegree[to] == 0 {
				next = append(next, to)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}
	c.topoCache = order
	return order
}

// weightsLocked returns per-task path weights. When every task that finished
// an incarnation has timings, real durations are used; otherwise each task
// counts as one unit.
func (c *TaskConstellation) weightsLocked() (map[string]float64, ParallelismMode) {
	weights := make(map[string]float64, len(c.tasks))
	mode := ParallelismByDuration
	for id, t := range c.tasks {
		d := t.Duration()
		if d <= 0 {
			mode = ParallelismByNodeCount
			break
		}
		weights[id] = d
	}
	if mode == ParallelismByNodeCount || len(c.tasks) == 0 {
		mode = ParallelismByNodeCount
		for id := range c.tasks {
			weights[id] = 1
		}
	}
	return weights, mode
}

// longestPathLocked computes the heaviest path under the given weights,
// returning the path (task ids, source first) and its total weight.
func (c *TaskConstellation) longestPathLocked(weights map[string]float64) ([]string, float64) {
	order := c.topoLocked()
	dist := make(map[string]float64, len(order))
	prev := make(map[string]string, len(order))
	best, bestEnd := 0.0, ""
	for _, id := range order {
		dist[id] += weights[id]
		if dist[id] > best || bestEnd == "" {
			best, bestEnd = dist[id], id
		}
		for _, depID := range c.children[id] {
			to := c.deps[depID].ToTaskID
			if cand := dist[id]; cand > dist[to] {
				dist[to] = cand
				prev[to] = id
			}
		}
	}
	if bestEnd == "" {
		return nil, 0
	}
	var path []string
	for cur := bestEnd; cur != ""; cur = prev[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, best
}

// maxWidthLocked computes the widest topological level: tasks sharing the
// same longest hop distance from a root could in principle run together.
func (c *TaskConstellation) maxWidthLocked() int {
	order := c.topoLocked()
	level := make(map[string]int, len(order))
	width := make(map[int]int)
	max := 0
	for _, id := range order {
		width[level[id]]++
		if width[level[id]] > max {
			max = width[level[id]]
		}
		for _, depID := range c.children[id] {
			to := c.deps[depID].ToTaskID
			if level[id]+1 > level[to] {
				level[to] = level[id] + 1
			}
		}
	}
	return max
}

// LongestPath returns the unit-weight longest path, source first.
func (c *TaskConstellation) LongestPath() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	unit := make(map[string]float64, len(c.tasks))
	for id := range c.tasks {
		unit[id] = 1
	}
	path, _ := c.longestPathLocked(unit)
	return path
}

// CriticalPath returns the duration-weighted longest path when timings are
// available, falling back to node count otherwise.
func (c *TaskConstellation) CriticalPath() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	weights, _ := c.weightsLocked()
	path, _ := c.longestPathLocked(weights)
	return path
}

// ParallelismRatio is total work divided by critical path length; 1.0 means
// strictly sequential, higher means usable parallelism.
func (c *TaskConstellation) ParallelismRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	weights, _ := c.weightsLocked()
	_, critical := c.longestPathLocked(weights)
	if critical == 0 {
		return 0
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	return total / critical
}

// GetStatistics computes the full statistics snapshot.
func (c *TaskConstellation) GetStatistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, t := range c.tasks {
		counts[t.Status]++
	}

	unit := make(map[string]float64, len(c.tasks))
	for id := range c.tasks {
		unit[id] = 1
	}
	longestPath, longestLen := c.longestPathLocked(unit)

	weights, mode := c.weightsLocked()
	criticalPath, criticalLen := c.longestPathLocked(weights)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	ratio := 0.0
	if criticalLen > 0 {
		ratio = total / criticalLen
	}

	return Statistics{
		ConstellationID:    c.id,
		State:              c.state,
		TotalTasks:         len(c.tasks),
		TotalDependencies:  len(c.deps),
		TaskStatusCounts:   counts,
		LongestPathLength:  int(longestLen),
		LongestPathTasks:   longestPath,
		MaxWidth:           c.maxWidthLocked(),
		CriticalPathLength: criticalLen,
		TotalWork:          total,
		ParallelismRatio:   ratio,
		ParallelismMode:    mode,
		CriticalPathTasks:  criticalPath,
		CreatedAt:          c.createdAt,
		UpdatedAt:          c.updatedAt,
	}
}
