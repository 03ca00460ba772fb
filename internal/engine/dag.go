package engine

import (
	"sort"

	"github.com/rendis/taskflow/pkg/schema"
)

// DAG is the validated dependency graph of one workflow definition.
// The fallback step, when the policy names one, lives outside the graph.
type DAG struct {
	Steps    map[string]*schema.Step // step ID -> definition
	Edges    map[string][]string     // step ID -> dependencies (depends_on)
	Reverse  map[string][]string     // step ID -> dependents
	Sorted   []string                // topological order
	Roots    []string                // steps with no dependencies
	Levels   [][]string              // layers of mutually runnable steps
	Fallback *schema.Step

	order map[string]int // declaration index, used as tiebreak
}

// ParseDAG validates a definition's step graph and computes its execution
// plan. Self-dependencies and cycles are reported as DEPENDENCY_CYCLE errors
// wrapping a *schema.DependencyCycleError that names every step involved.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	fallbackID := def.ErrorHandling.FallbackStepID
	dag := &DAG{
		Steps:   make(map[string]*schema.Step, len(def.Steps)),
		Edges:   make(map[string][]string, len(def.Steps)),
		Reverse: make(map[string][]string, len(def.Steps)),
		order:   make(map[string]int, len(def.Steps)),
	}

	// First pass: register steps and check ids.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := dag.order[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		dag.order[step.ID] = i
		if step.ID == fallbackID {
			dag.Fallback = step
			continue
		}
		dag.Steps[step.ID] = step
	}

	if fallbackID != "" && dag.Fallback == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fallback step %s does not exist", fallbackID)
	}
	if dag.Fallback != nil && len(dag.Fallback.DependsOn) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fallback step %s must not declare dependencies", fallbackID).
			WithStep(fallbackID)
	}
	if len(dag.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	// Second pass: adjacency lists.
	var selfLoops [][]string
	for _, id := range dag.declared() {
		step := dag.Steps[id]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == id {
				selfLoops = append(selfLoops, []string{id})
				continue
			}
			if dep == fallbackID && fallbackID != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on fallback step %s", id, dep).WithStep(id)
			}
			if _, exists := dag.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep).WithStep(id)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Steps))
	var queue []string
	for _, id := range dag.declared() {
		inDegree[id] = len(dag.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	// Self-loops are left out of Edges, so they are reported alongside the
	// components Kahn could not order.
	cycles := selfLoops
	if len(sorted) != len(dag.Steps) {
		remaining := make(map[string]bool)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining[id] = true
			}
		}
		cycles = append(cycles, dag.cycles(remaining)...)
	}
	if len(cycles) > 0 {
		return nil, schema.NewDependencyCycleError(cycles)
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// declared returns graph step ids in declaration order.
func (d *DAG) declared() []string {
	ids := make([]string, 0, len(d.Steps))
	for id := range d.Steps {
		ids = append(ids, id)
	}
	d.sortByOrder(ids)
	return ids
}

func (d *DAG) sortByOrder(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return d.order[ids[i]] < d.order[ids[j]] })
}

// cycles returns the strongly connected components of size > 1 among the
// nodes Kahn could not order. Nodes that merely sit downstream of a cycle
// form singleton components and are not reported.
func (d *DAG) cycles(nodes map[string]bool) [][]string {
	var (
		index   = 0
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		low     = make(map[string]int)
		out     [][]string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		low[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range d.Edges[v] {
			if !nodes[w] {
				continue
			}
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], indices[w])
			}
		}

		if low[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				d.sortByOrder(comp)
				out = append(out, comp)
			}
		}
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	d.sortByOrder(ids)
	for _, id := range ids {
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return d.order[out[i][0]] < d.order[out[j][0]] })
	return out
}

// computeLevels groups steps by dependency depth. Steps in one level have
// every dependency in an earlier level.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Steps))
	maxLevel := 0
	for _, id := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		maxLevel = max(maxLevel, d)
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for _, level := range levels {
		dag.sortByOrder(level)
	}
	return levels
}
