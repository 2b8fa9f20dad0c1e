// Package engine runs validated flow graphs.
//
// A run validates the graph, then dispatches nodes as soon as all their
// producers are terminal. Nodes run on a bounded worker pool; each node
// holds one session per use on every connector it touches while it runs.
// Rows move from reader goroutines to the writer through bounded channels.
// The RunResult is the only state shared between workers.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/memory"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/observability"
)

// Engine executes flow graphs. It is safe for concurrent runs.
type Engine struct {
	opts   options
	logger *zap.Logger
}

// New creates an engine.
func New(opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	l := o.logger
	if l == nil {
		l = logger.Get().With(zap.String("component", "engine"))
	}
	return &Engine{opts: o, logger: l}
}

// Validate expands and checks g without running it.
func (e *Engine) Validate(ctx context.Context, g *flow.Graph) *flow.ValidationReport {
	_, report := flow.Validate(ctx, g)
	return report
}

// Run validates and executes g. It always returns a result, even when the
// graph is invalid or a step panics. Cancelling ctx cancels the run.
func (e *Engine) Run(ctx context.Context, g *flow.Graph) (res *RunResult) {
	res = newRunResult(uuid.NewString(), g.Name(), e.opts.clock())

	if e.opts.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.runTimeout)
		defer cancel()
	}
	ctx = logger.ContextWith(ctx, logger.RunIDKey, res.RunID)
	ctx = logger.ContextWith(ctx, logger.FlowKey, g.Name())
	log := logger.FromContext(ctx, e.logger)

	ctx, span := observability.StartRun(ctx, g.Name(), res.RunID)
	defer func() {
		if p := recover(); p != nil {
			log.Error("run panicked", zap.Any("panic", p))
			res.setState(StateAborted, fmt.Sprintf("panic: %v", p))
		}
		res.EndedAt = e.opts.clock()
		metrics.RunsTotal.WithLabelValues(string(res.State)).Inc()
		observability.End(span, res.Err())
		log.Info("run finished",
			zap.String("state", string(res.State)),
			zap.String("reason", res.Reason),
			zap.Duration("duration", res.EndedAt.Sub(res.StartedAt)))
	}()

	expanded, report := flow.Validate(ctx, g)
	res.Validation = report
	for _, w := range report.Warnings() {
		log.Warn("validation warning", zap.String("finding", w.String()))
	}
	if !report.OK() {
		log.Error("flow is invalid", zap.Error(report.Err()))
		res.setState(StateAborted, "validation failed")
		return res
	}
	res.setState(StateValidated, "")
	res.Levels = report.Levels

	r, err := e.newRun(ctx, expanded, report, res, log)
	if err != nil {
		log.Error("run setup failed", zap.Error(err))
		res.setState(StateAborted, err.Error())
		return res
	}
	defer r.close()

	res.setState(StateScheduled, "")
	r.execute(ctx)
	return res
}

// run is the state of one execution. Fields below the mutex line of
// RunResult are owned by the coordinator goroutine.
type run struct {
	e      *Engine
	g      *flow.Graph
	report *flow.ValidationReport
	res    *RunResult
	log    *zap.Logger

	scratch  *memory.Connector
	refs     []*core.TableRef
	limiters map[string]*base.SessionLimiter
	gates    map[string]*base.ReaderGate

	status    []NodeStatus
	remaining []int
	pending   int
	aborted   bool
}

// completion is what a worker hands back to the coordinator.
type completion struct {
	id     flow.NodeID
	status NodeStatus
	// abort is set when the node failed under abort-flow
	abort bool
}

func (e *Engine) newRun(ctx context.Context, g *flow.Graph, report *flow.ValidationReport, res *RunResult, log *zap.Logger) (*run, error) {
	r := &run{
		e:         e,
		g:         g,
		report:    report,
		res:       res,
		log:       log,
		scratch:   memory.New("intermediate-"+res.RunID[:8], config.ConnectorConfig{}),
		refs:      make([]*core.TableRef, len(g.Nodes())),
		limiters:  make(map[string]*base.SessionLimiter),
		gates:     make(map[string]*base.ReaderGate),
		status:    make([]NodeStatus, len(g.Nodes())),
		remaining: make([]int, len(g.Nodes())),
		pending:   len(g.Nodes()),
	}
	if err := r.scratch.Open(ctx); err != nil {
		return nil, err
	}

	level := make(map[string]int)
	for i, names := range report.Levels {
		for _, name := range names {
			level[name] = i
		}
	}
	for _, n := range g.Nodes() {
		ref := n.Ref
		if ref == nil {
			ref = core.NewTableRef(r.scratch, n.Name)
		}
		r.refs[n.ID] = ref
		c := ref.Connector()
		if _, ok := r.limiters[c.Name()]; !ok {
			caps := c.Capabilities()
			r.limiters[c.Name()] = base.NewSessionLimiter(c.Name(), caps.MaxConcurrentSessions)
			r.gates[c.Name()] = base.NewReaderGate(caps.ConcurrentRead)
		}
		r.status[n.ID] = StatusPending
		r.remaining[n.ID] = len(g.Producers(n.ID))
		res.addNode(n.Name, level[n.Name])
	}
	return r, nil
}

func (r *run) close() {
	if err := r.scratch.Close(context.Background()); err != nil {
		r.log.Warn("closing intermediate store", zap.Error(err))
	}
}

// execute is the coordinator loop. It dispatches ready nodes, collects
// completions and applies the join rule until every node is terminal.
func (r *run) execute(ctx context.Context) {
	workCtx, cancelRunning := context.WithCancel(ctx)
	defer cancelRunning()

	var workers errgroup.Group
	workers.SetLimit(r.e.opts.maxConcurrency)
	done := make(chan completion, len(r.status))
	cancelled := ctx.Done()

	var ready []flow.NodeID
	for _, n := range r.g.Nodes() {
		if r.remaining[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	r.res.setState(StateRunning, "")
	r.log.Info("run started",
		zap.Int("nodes", len(r.status)),
		zap.Int("levels", len(r.report.Levels)),
		zap.Int("max_concurrency", r.e.opts.maxConcurrency))

	running := 0
	for r.pending > 0 {
		for len(ready) > 0 && running < r.e.opts.maxConcurrency && !r.aborted {
			id := ready[0]
			ready = ready[1:]
			skipped := r.skippedInputs(id)
			r.status[id] = StatusRunning
			running++
			// Go may wait for a worker that already reported to return
			workers.Go(func() error {
				done <- r.runNode(workCtx, id, skipped)
				return nil
			})
		}
		if r.pending == 0 {
			break
		}
		if running == 0 {
			// nothing left that could release the pending nodes
			r.aborted = true
			r.res.setState(StateAborted, "stalled")
			r.abortPending(ReasonAborted)
			break
		}

		select {
		case c := <-done:
			running--
			r.finish(c.id, c.status)
			if ctx.Err() != nil && !r.aborted {
				cancelled = nil
				ready = nil
				r.cancel()
			}
			if c.abort && !r.aborted {
				r.aborted = true
				r.res.setState(StateAborted, fmt.Sprintf("node %s failed", r.g.Node(c.id).Name))
				r.log.Error("aborting run", zap.String("node", r.g.Node(c.id).Name))
				ready = nil
				r.abortPending(ReasonAborted)
				if r.e.opts.cancelRunningOnAbort {
					cancelRunning()
				}
			}
			if !r.aborted {
				ready = append(ready, r.release(c.id)...)
			}
		case <-cancelled:
			cancelled = nil
			ready = nil
			if !r.aborted {
				r.cancel()
			}
		}
	}
	_ = workers.Wait()

	if !r.aborted {
		r.res.setState(StateCompleted, "")
	}
}

// cancel ends the run on cancellation of its context: nothing else starts.
func (r *run) cancel() {
	r.aborted = true
	r.res.setState(StateAborted, ReasonCancelled)
	r.log.Warn("run cancelled")
	r.abortPending(ReasonCancelled)
}

// release applies the join rule to the consumers of a terminal node and
// returns the ones that can run. Skips cascade immediately.
func (r *run) release(id flow.NodeID) []flow.NodeID {
	var ready []flow.NodeID
	queue := []flow.NodeID{id}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range r.g.Consumers(u) {
			r.remaining[v]--
			if r.remaining[v] > 0 || r.status[v] != StatusPending {
				continue
			}
			failed, skipped := 0, 0
			producers := r.g.Producers(v)
			for _, p := range producers {
				switch r.status[p] {
				case StatusFailed:
					failed++
				case StatusSkipped:
					skipped++
				}
			}
			switch {
			case failed > 0:
				r.skip(v, ReasonUpstreamFailed)
				queue = append(queue, v)
			case skipped == len(producers):
				r.skip(v, ReasonUpstreamSkipped)
				queue = append(queue, v)
			default:
				ready = append(ready, v)
			}
		}
	}
	return ready
}

// skippedInputs lists the producers of id that were skipped; they
// contribute no rows.
func (r *run) skippedInputs(id flow.NodeID) map[flow.NodeID]bool {
	out := make(map[flow.NodeID]bool)
	for _, p := range r.g.Producers(id) {
		if r.status[p] == StatusSkipped {
			out[p] = true
		}
	}
	return out
}

func (r *run) finish(id flow.NodeID, status NodeStatus) {
	r.status[id] = status
	r.pending--
}

func (r *run) skip(id flow.NodeID, reason string) {
	r.finish(id, StatusSkipped)
	now := r.e.opts.clock()
	r.res.update(r.g.Node(id).Name, func(n *NodeResult) {
		n.Status = StatusSkipped
		n.Reason = reason
		n.FinishedAt = now
	})
	metrics.NodeFinished(string(StatusSkipped), 0)
	r.log.Info("node skipped", zap.String("node", r.g.Node(id).Name), zap.String("reason", reason))
}

// abortPending skips every node that has not started, in graph order.
func (r *run) abortPending(reason string) {
	ids := make([]int, 0, r.pending)
	for i, s := range r.status {
		if s == StatusPending {
			ids = append(ids, i)
		}
	}
	sort.Ints(ids)
	for _, i := range ids {
		r.skip(flow.NodeID(i), reason)
	}
}
