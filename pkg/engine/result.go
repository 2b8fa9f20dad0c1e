package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tabulify/tabulify/pkg/flow"
)

// RunState is the state of a run.
type RunState string

const (
	StateValidated RunState = "validated"
	StateScheduled RunState = "scheduled"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateAborted   RunState = "aborted"
)

// NodeStatus is the status of one node in a run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Skip reasons
const (
	ReasonAborted         = "aborted"
	ReasonCancelled       = "cancelled"
	ReasonUpstreamFailed  = "upstream-failed"
	ReasonUpstreamSkipped = "upstream-skipped"
)

// RetryEvent records one retried attempt.
type RetryEvent struct {
	Attempt int
	Err     error
	Delay   time.Duration
	// Offset is the source offset the next attempt reads from
	Offset int64
}

// NodeResult is the outcome of one node.
type NodeResult struct {
	Name   string
	Level  int
	Status NodeStatus
	Reason string
	// Rows is the number of rows written, or counted for a source
	Rows                int64
	Lossy               int64
	DroppedContentTypes int64
	Retries             []RetryEvent
	FirstError          error
	StartedAt           time.Time
	FinishedAt          time.Time
	// BestEffortReplace is set when the target cannot replace atomically
	BestEffortReplace bool
}

// Duration is the time the node ran.
func (n NodeResult) Duration() time.Duration {
	if n.StartedAt.IsZero() || n.FinishedAt.IsZero() {
		return 0
	}
	return n.FinishedAt.Sub(n.StartedAt)
}

// RunResult is the outcome of Run. During a run it is the only state
// shared between workers; every access goes through its mutex.
type RunResult struct {
	RunID      string
	Flow       string
	State      RunState
	Reason     string
	StartedAt  time.Time
	EndedAt    time.Time
	Levels     [][]string
	Validation *flow.ValidationReport

	mu    sync.Mutex
	nodes map[string]*NodeResult
	order []string
}

func newRunResult(runID, flowName string, now time.Time) *RunResult {
	return &RunResult{
		RunID:     runID,
		Flow:      flowName,
		StartedAt: now,
		nodes:     make(map[string]*NodeResult),
	}
}

func (r *RunResult) addNode(name string, level int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[name] = &NodeResult{Name: name, Level: level, Status: StatusPending}
	r.order = append(r.order, name)
}

func (r *RunResult) update(name string, fn func(*NodeResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[name]; ok {
		fn(n)
	}
}

func (r *RunResult) setState(s RunState, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.State = s
	if reason != "" && r.Reason == "" {
		r.Reason = reason
	}
}

// Node returns a copy of the result of the named node.
func (r *RunResult) Node(name string) (NodeResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return NodeResult{}, false
	}
	c := *n
	c.Retries = append([]RetryEvent(nil), n.Retries...)
	return c, true
}

// Nodes returns copies of every node result, in graph order.
func (r *RunResult) Nodes() []NodeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeResult, 0, len(r.order))
	for _, name := range r.order {
		c := *r.nodes[name]
		c.Retries = append([]RetryEvent(nil), c.Retries...)
		out = append(out, c)
	}
	return out
}

// Counts returns the number of nodes per status.
func (r *RunResult) Counts() map[NodeStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[NodeStatus]int)
	for _, n := range r.nodes {
		out[n.Status]++
	}
	return out
}

// ExitCode is 2 when the graph failed validation, 1 when the run was
// aborted or a node failed, and 0 otherwise. Nodes skipped by a skip-node
// policy, and the nodes that cascade from them, do not fail the run.
func (r *RunResult) ExitCode() int {
	if r.Validation != nil && !r.Validation.OK() {
		return 2
	}
	if r.State != StateCompleted {
		return 1
	}
	for _, n := range r.Nodes() {
		if n.Status == StatusFailed {
			return 1
		}
	}
	return 0
}

// Err summarizes why the run did not fully succeed, nil when it did.
func (r *RunResult) Err() error {
	if r.Validation != nil && !r.Validation.OK() {
		return r.Validation.Err()
	}
	var failed []string
	for _, n := range r.Nodes() {
		if n.Status == StatusFailed && n.FirstError != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", n.Name, n.FirstError))
		}
	}
	sort.Strings(failed)
	switch {
	case len(failed) > 0:
		return fmt.Errorf("run %s %s: %s", r.RunID, r.State, strings.Join(failed, "; "))
	case r.ExitCode() != 0:
		return fmt.Errorf("run %s %s: %s", r.RunID, r.State, r.Reason)
	}
	return nil
}
