// Package workflow runs named stages over a shared state value, one after
// another, with a deadline per stage and events on every transition.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// End terminates a graph when used as an edge target.
const End = "__END__"

// StageFunc transforms the state. It must honor ctx cancellation.
type StageFunc[S any] func(ctx context.Context, state S) (S, error)

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event reports a stage transition. Duration is set on completion and failure.
type Event struct {
	RunID    string
	Stage    string
	Kind     EventKind
	At       time.Time
	Duration time.Duration
	Err      error
}

type Listener func(Event)

// StageError identifies the stage that stopped a run.
type StageError struct {
	Stage   string
	Timeout bool
	Err     error
}

func (e *StageError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("workflow: stage %q timed out: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("workflow: stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type node[S any] struct {
	fn      StageFunc[S]
	timeout time.Duration
}

// NodeOption customizes a single stage.
type NodeOption func(*nodeConfig)

type nodeConfig struct {
	timeout time.Duration
}

// WithTimeout overrides the graph's default deadline for one stage.
func WithTimeout(d time.Duration) NodeOption {
	return func(c *nodeConfig) {
		c.timeout = d
	}
}

type Graph[S any] struct {
	nodes          map[string]node[S]
	edges          map[string]string
	entryPoint     string
	defaultTimeout time.Duration
	listeners      []Listener
	order          []string
	now            func() time.Time
}

// New creates an empty graph whose stages default to timeout. A zero timeout
// leaves stages bounded only by the caller's context.
func New[S any](timeout time.Duration) *Graph[S] {
	return &Graph[S]{
		nodes:          make(map[string]node[S]),
		edges:          make(map[string]string),
		defaultTimeout: timeout,
		now:            time.Now,
	}
}

func (g *Graph[S]) AddNode(name string, fn StageFunc[S], opts ...NodeOption) {
	cfg := nodeConfig{timeout: g.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	g.nodes[name] = node[S]{fn: fn, timeout: cfg.timeout}
	g.order = nil
}

func (g *Graph[S]) AddEdge(from, to string) {
	g.edges[from] = to
	g.order = nil
}

func (g *Graph[S]) SetEntryPoint(name string) {
	g.entryPoint = name
	g.order = nil
}

func (g *Graph[S]) SetFinishPoint(name string) {
	g.AddEdge(name, End)
}

// Chain wires names as entry → ... → End.
func (g *Graph[S]) Chain(names ...string) {
	if len(names) == 0 {
		return
	}
	g.SetEntryPoint(names[0])
	for i := 0; i < len(names)-1; i++ {
		g.AddEdge(names[i], names[i+1])
	}
	g.SetFinishPoint(names[len(names)-1])
}

// OnEvent registers a listener. Listeners run synchronously on the caller's
// goroutine and must not block.
func (g *Graph[S]) OnEvent(l Listener) {
	if l != nil {
		g.listeners = append(g.listeners, l)
	}
}

// Compile checks that the edges form one path from the entry point to End
// visiting every node exactly once, and returns the stage order.
func (g *Graph[S]) Compile() ([]string, error) {
	if g.entryPoint == "" {
		return nil, errors.New("workflow: entry point not set")
	}
	seen := make(map[string]bool, len(g.nodes))
	var order []string
	for current := g.entryPoint; current != End; {
		n, ok := g.nodes[current]
		if !ok {
			return nil, fmt.Errorf("workflow: node %q not found", current)
		}
		if n.fn == nil {
			return nil, fmt.Errorf("workflow: node %q has no stage function", current)
		}
		if seen[current] {
			return nil, fmt.Errorf("workflow: cycle at node %q", current)
		}
		seen[current] = true
		order = append(order, current)
		next, ok := g.edges[current]
		if !ok {
			return nil, fmt.Errorf("workflow: node %q has no outgoing edge", current)
		}
		current = next
	}
	if len(order) != len(g.nodes) {
		for name := range g.nodes {
			if !seen[name] {
				return nil, fmt.Errorf("workflow: node %q is unreachable", name)
			}
		}
	}
	g.order = order
	return append([]string(nil), order...), nil
}

// Run executes every stage in order, stopping at the first failure. The
// returned state is the last successfully produced one.
func (g *Graph[S]) Run(ctx context.Context, runID string, state S) (S, error) {
	if g.order == nil {
		if _, err := g.Compile(); err != nil {
			return state, err
		}
	}
	for _, name := range g.order {
		next, err := g.runStage(ctx, runID, name, state)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

func (g *Graph[S]) runStage(ctx context.Context, runID, name string, state S) (S, error) {
	n := g.nodes[name]
	stageCtx := ctx
	cancel := func() {}
	if n.timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, n.timeout)
	}
	defer cancel()

	started := g.now()
	g.emit(Event{RunID: runID, Stage: name, Kind: EventStarted, At: started})

	if err := ctx.Err(); err != nil {
		return g.fail(runID, name, started, &StageError{Stage: name, Err: err}, state)
	}

	next, err := n.fn(stageCtx, state)
	timedOut := errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	switch {
	case timedOut:
		if err == nil {
			err = context.DeadlineExceeded
		}
		return g.fail(runID, name, started, &StageError{Stage: name, Timeout: true, Err: err}, state)
	case err != nil:
		return g.fail(runID, name, started, &StageError{Stage: name, Err: err}, state)
	case ctx.Err() != nil:
		return g.fail(runID, name, started, &StageError{Stage: name, Err: ctx.Err()}, state)
	}

	done := g.now()
	g.emit(Event{RunID: runID, Stage: name, Kind: EventCompleted, At: done, Duration: done.Sub(started)})
	return next, nil
}

func (g *Graph[S]) fail(runID, name string, started time.Time, err *StageError, state S) (S, error) {
	at := g.now()
	g.emit(Event{RunID: runID, Stage: name, Kind: EventFailed, At: at, Duration: at.Sub(started), Err: err.Err})
	return state, err
}

func (g *Graph[S]) emit(e Event) {
	for _, l := range g.listeners {
		l(e)
	}
}
