package engine

type nodeState int

const (
	nodePending nodeState = iota
	nodeReady
	nodeDispatched
	nodeCompleted
	nodeSkipped
	nodeFailed
	nodeBlocked
)

// Tracker walks one run through a DAG. A step becomes ready once every
// dependency is completed or skipped; ready steps are queued in the order
// they became ready. Tracker is not safe for concurrent use: it belongs to
// the controller loop of a single execution.
type Tracker struct {
	dag       *DAG
	state     map[string]nodeState
	remaining map[string]int
	queue     []string
}

// NewTracker returns a tracker with the roots queued in declaration order.
func (d *DAG) NewTracker() *Tracker {
	t := &Tracker{
		dag:       d,
		state:     make(map[string]nodeState, len(d.Steps)),
		remaining: make(map[string]int, len(d.Steps)),
	}
	for _, id := range d.declared() {
		t.remaining[id] = len(d.Edges[id])
	}
	for _, id := range d.Roots {
		t.state[id] = nodeReady
		t.queue = append(t.queue, id)
	}
	return t
}

// Ready returns the queued steps in ready order.
func (t *Tracker) Ready() []string {
	return append([]string(nil), t.queue...)
}

// MarkDispatched removes id from the ready queue.
func (t *Tracker) MarkDispatched(id string) {
	t.dequeue(id)
	t.state[id] = nodeDispatched
}

// MarkCompleted records success and releases dependents.
func (t *Tracker) MarkCompleted(id string) {
	t.dequeue(id)
	t.state[id] = nodeCompleted
	t.release(id)
}

// MarkSkipped records a condition skip. A skipped step satisfies its dependents.
func (t *Tracker) MarkSkipped(id string) {
	t.dequeue(id)
	t.state[id] = nodeSkipped
	t.release(id)
}

// MarkFailed records failure and blocks every transitive dependent that has
// not run yet. The blocked ids are returned in declaration order.
func (t *Tracker) MarkFailed(id string) []string {
	t.dequeue(id)
	t.state[id] = nodeFailed

	var blocked []string
	stack := append([]string(nil), t.dag.Reverse[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch t.state[n] {
		case nodePending, nodeReady:
			t.dequeue(n)
			t.state[n] = nodeBlocked
			blocked = append(blocked, n)
			stack = append(stack, t.dag.Reverse[n]...)
		}
	}
	t.dag.sortByOrder(blocked)
	return blocked
}

// Done reports whether no step is left to run or waiting on a dependency.
func (t *Tracker) Done() bool {
	for id := range t.dag.Steps {
		switch t.state[id] {
		case nodePending, nodeReady, nodeDispatched:
			return false
		}
	}
	return true
}

// Undispatched returns the steps that never left pending or ready, in
// declaration order.
func (t *Tracker) Undispatched() []string {
	var out []string
	for _, id := range t.dag.declared() {
		if s := t.state[id]; s == nodePending || s == nodeReady {
			out = append(out, id)
		}
	}
	return out
}

func (t *Tracker) release(id string) {
	for _, dep := range t.dag.Reverse[id] {
		t.remaining[dep]--
		if t.remaining[dep] == 0 && t.state[dep] == nodePending {
			t.state[dep] = nodeReady
			t.queue = append(t.queue, dep)
		}
	}
}

func (t *Tracker) dequeue(id string) {
	for i, q := range t.queue {
		if q == id {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}
