package diagram

import (
	"fmt"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/pkg/schema"
)

// Build constructs a Model from a definition. When exec is non-nil its step
// results are overlaid on the nodes, and a nil def falls back to the
// definition snapshot the execution ran with.
func Build(def *schema.WorkflowDefinition, exec *schema.WorkflowExecution) (*Model, error) {
	if def == nil && exec != nil {
		def = exec.Definition
	}
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: no workflow definition")
	}
	dag, err := engine.ParseDAG(def)
	if err != nil {
		return nil, err
	}

	var results map[string]*schema.StepResult
	if exec != nil {
		results = exec.StepResults
	}

	nodes := make([]*Node, 0, len(dag.Steps)+3)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range dag.Sorted {
		nodes = append(nodes, stepNode(dag.Steps[id], NodeKindStep, results))
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	levels := make([][]string, 0, len(dag.Levels)+3)
	levels = append(levels, []string{StartID})
	levels = append(levels, dag.Levels...)
	levels = append(levels, []string{EndID})

	edges := buildEdges(dag)
	if dag.Fallback != nil {
		nodes = append(nodes, stepNode(dag.Fallback, NodeKindFallback, results))
		levels = append(levels, []string{dag.Fallback.ID})
		edges = append(edges, Edge{From: EndID, To: dag.Fallback.ID, Label: "on failure"})
	}

	return &Model{
		Title:  title(def, exec),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

func stepNode(step *schema.Step, kind NodeKind, results map[string]*schema.StepResult) *Node {
	if kind == NodeKindStep && step.Concurrent() {
		kind = NodeKindParallel
	}
	node := &Node{
		ID:    step.ID,
		Label: fmt.Sprintf("%s\n(%s)", step.ID, step.Capability),
		Kind:  kind,
	}
	if res, ok := results[step.ID]; ok && res != nil {
		node.Status = overlay(res)
	}
	return node
}

func overlay(res *schema.StepResult) *StatusOverlay {
	o := &StatusOverlay{Status: string(res.Status), RetryCount: res.RetryCount}
	if res.StartedAt != nil && res.EndedAt != nil {
		o.DurationMs = res.EndedAt.Sub(*res.StartedAt).Milliseconds()
	}
	if res.Error != nil {
		o.Error = res.Error.Message
	}
	return o
}

// buildEdges walks steps in topological order so output is stable.
func buildEdges(dag *engine.DAG) []Edge {
	var edges []Edge
	for _, root := range dag.Roots {
		edges = append(edges, Edge{From: StartID, To: root})
	}
	for _, id := range dag.Sorted {
		for _, dep := range dag.Edges[id] {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}
	for _, id := range dag.Sorted {
		if len(dag.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func title(def *schema.WorkflowDefinition, exec *schema.WorkflowExecution) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	if name == "" {
		name = "Workflow"
	}
	if exec != nil {
		return fmt.Sprintf("%s [%s]", name, exec.Status)
	}
	return name
}
