package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep     NodeKind = "step"
	NodeKindParallel NodeKind = "parallel"
	NodeKindFallback NodeKind = "fallback"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Virtual node ids bracketing the step graph.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the recorded result of a step.
type StatusOverlay struct {
	Status     string
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge points from a dependency to its dependent.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given id, or nil.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
