package engine

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/metrics"
	"github.com/tabulify/tabulify/pkg/observability"
	"github.com/tabulify/tabulify/pkg/retry"
	"github.com/tabulify/tabulify/pkg/transform"
	"github.com/tabulify/tabulify/pkg/types"
)

// stats are the counters of one step attempt.
type stats struct {
	rows      int64
	lossy     int64
	dropped   int64
	committed int64
	// resumeAt is the number of source rows the committed rows account
	// for, or -1 when the writer committed at a point that cannot be
	// traced back to a source row.
	resumeAt int64
}

func (s *stats) add(o stats) {
	s.rows += o.rows
	s.lossy += o.lossy
	s.dropped += o.dropped
}

// runNode executes one node and writes its own result entry. ctx is the
// work context: cancelled when the run is cancelled, or aborted with
// CancelRunningOnAbort.
func (r *run) runNode(ctx context.Context, id flow.NodeID, skipped map[flow.NodeID]bool) (c completion) {
	n := r.g.Node(id)
	ctx = logger.ContextWith(ctx, logger.NodeKey, n.Name)
	log := logger.FromContext(ctx, r.e.logger)
	step, produced := r.g.Producer(id)

	timer := metrics.NewTimer()
	metrics.ActiveNodes.Inc()
	r.res.update(n.Name, func(nr *NodeResult) {
		nr.Status = StatusRunning
		nr.StartedAt = r.e.opts.clock()
	})

	var (
		st  stats
		err error
	)
	defer func() {
		if p := recover(); p != nil {
			log.Error("node panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = errors.Newf(errors.ErrorTypeExecution, "panic: %v", p)
		}
		status, reason, abort := r.settle(ctx, step, err)
		c = completion{id: id, status: status, abort: abort}

		metrics.ActiveNodes.Dec()
		metrics.NodeFinished(string(status), timer.Stop())
		r.res.update(n.Name, func(nr *NodeResult) {
			nr.Status = status
			nr.Reason = reason
			nr.Rows = st.rows
			nr.Lossy = st.lossy
			nr.DroppedContentTypes = st.dropped
			if err != nil && nr.FirstError == nil {
				nr.FirstError = err
			}
			nr.FinishedAt = r.e.opts.clock()
		})
		fields := []zap.Field{zap.String("status", string(status)), zap.Int64("rows", st.rows)}
		if err != nil {
			fields = append(fields, zap.Error(err), zap.String("reason", reason))
		}
		log.Info("node finished", fields...)
	}()

	release, err := r.acquire(ctx, id, step)
	if err != nil {
		return
	}
	defer release()

	if !produced {
		st, err = r.countSource(ctx, id)
		return
	}
	st, err = r.runStep(ctx, log, n, step, skipped)
	return
}

// settle applies the failure policy to the outcome of a node.
func (r *run) settle(ctx context.Context, step *flow.Step, err error) (NodeStatus, string, bool) {
	if err == nil {
		return StatusSucceeded, "", false
	}
	if ctx.Err() != nil {
		return StatusSkipped, ReasonCancelled, false
	}
	policy := flow.AbortFlow
	if step != nil {
		policy = step.OnError
	}
	if !classified(err) {
		policy = flow.AbortFlow
	}
	switch policy {
	case flow.SkipNode:
		return StatusSkipped, "skipped: " + err.Error(), false
	case flow.MarkFailed:
		return StatusFailed, err.Error(), false
	}
	return StatusFailed, err.Error(), true
}

// classified reports whether err is governed by the step policy. Anything
// else escalates to abort-flow.
func classified(err error) bool {
	t := errors.Classify(err)
	switch t.Category() {
	case errors.CategoryType, errors.CategoryConnector:
		return true
	}
	return t == errors.ErrorTypeTimeout || t == errors.ErrorTypeCancelled
}

// acquire takes one session per use on every connector the node touches,
// in connector name order.
func (r *run) acquire(ctx context.Context, id flow.NodeID, step *flow.Step) (func(), error) {
	uses := map[string]int64{r.refs[id].Connector().Name(): 1}
	if step != nil {
		for _, src := range step.Sources {
			uses[r.refs[src].Connector().Name()]++
		}
	}
	demands := make([]base.SessionDemand, 0, len(uses))
	for name, n := range uses {
		demands = append(demands, base.SessionDemand{Limiter: r.limiters[name], N: n})
	}
	return base.AcquireSessions(ctx, demands)
}

// openReader opens a reader through the reader gate of its connector.
func (r *run) openReader(ctx context.Context, ref *core.TableRef, offset int64) (core.RowReader, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeCancelled, "open reader")
	}
	leave, err := r.gates[ref.Connector().Name()].Enter(ctx, ref.Name())
	if err != nil {
		return nil, nil, err
	}
	rd, err := ref.Connector().OpenReader(ctx, ref, core.ReadOptions{Offset: offset})
	if err != nil {
		leave()
		return nil, nil, err
	}
	return rd, func() {
		_ = rd.Close()
		leave()
	}, nil
}

// countSource resolves the schema of a source node and counts its rows.
func (r *run) countSource(ctx context.Context, id flow.NodeID) (stats, error) {
	ref := r.refs[id]
	if _, err := ref.Schema(ctx); err != nil {
		return stats{}, err
	}
	if counter, ok := ref.Connector().(core.RowCounter); ok {
		n, err := counter.CountRows(ctx, ref)
		return stats{rows: n}, err
	}
	rd, done, err := r.openReader(ctx, ref, 0)
	if err != nil {
		return stats{}, err
	}
	defer done()
	var st stats
	for {
		if _, err := rd.Next(ctx); err == io.EOF {
			break
		} else if err != nil {
			return st, err
		}
		st.rows++
	}
	metrics.RowsRead(ref.Connector().Name(), st.rows)
	return st, nil
}

// runStep runs every attempt of the step producing n.
func (r *run) runStep(ctx context.Context, log *zap.Logger, n *flow.Node, s *flow.Step, skipped map[flow.NodeID]bool) (stats, error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = r.e.opts.stepTimeout
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := r.refs[n.ID]
	p, inputs, err := r.plan(stepCtx, n, s)
	if err != nil {
		return stats{}, err
	}

	tcaps := target.Connector().Capabilities()
	if s.Mode == core.ModeReplace && !tcaps.AtomicReplace {
		r.res.update(n.Name, func(nr *NodeResult) { nr.BestEffortReplace = true })
		log.Warn("target cannot replace atomically, readers may see a partial table",
			zap.String("target", target.String()))
	}

	resumable := resumableStep(s) && tcaps.Resumable &&
		r.refs[s.Sources[0]].Connector().Capabilities().Resumable

	policy := s.Retry
	if policy == nil {
		policy = r.e.opts.retry
	}

	var (
		total  stats
		mode   = s.Mode
		offset int64
		// set when committed rows make another attempt unsafe
		stuck bool
	)
	err = policy.Do(stepCtx, func(attempt int) error {
		actx, span := observability.StartNode(stepCtx, n.Name, r.g.StepName(s), attempt)
		st, err := r.pipeline(actx, s, target, p, inputs, mode, offset, skipped)
		observability.End(span, err,
			attribute.Int64("tabulify.rows", st.rows),
			attribute.Int64("tabulify.offset", offset))
		switch {
		case err == nil:
			total.add(st)
		case st.committed == 0:
		case resumable && st.resumeAt >= 0:
			offset += st.resumeAt
			mode = core.ModeAppend
			total.rows += st.committed
		case mode == core.ModeAppend:
			// a fresh attempt would append the committed rows again
			stuck = true
			total.rows += st.committed
			log.Warn("step committed rows and cannot resume, not retrying",
				zap.Int64("committed", st.committed))
		}
		return err
	}, func(err error) bool { return !stuck && errors.IsRetryable(err) }, func(ev retry.Event) {
		metrics.RetriesTotal.Inc()
		log.Warn("retrying step",
			zap.Int("attempt", ev.Attempt),
			zap.Duration("delay", ev.Delay),
			zap.Int64("offset", offset),
			zap.Error(ev.Err))
		r.res.update(n.Name, func(nr *NodeResult) {
			if nr.FirstError == nil {
				nr.FirstError = ev.Err
			}
			nr.Retries = append(nr.Retries, RetryEvent{Attempt: ev.Attempt, Err: ev.Err, Delay: ev.Delay, Offset: offset})
		})
	})

	if err != nil && ctx.Err() == nil && stepCtx.Err() == context.DeadlineExceeded {
		err = errors.Wrap(err, errors.ErrorTypeTimeout, fmt.Sprintf("step timed out after %s", timeout))
	}
	target.Invalidate()
	metrics.LossyValuesTotal.Add(float64(total.lossy))
	metrics.ContentTypeDropsTotal.Add(float64(total.dropped))
	return total, err
}

// resumableStep reports whether a retry of s can skip the source rows
// behind the committed target rows. Stateful transforms would lose the
// state built over the skipped rows.
func resumableStep(s *flow.Step) bool {
	if len(s.Sources) != 1 {
		return false
	}
	return s.Kind != flow.StepTransform || !transform.IsStateful(s.Function)
}

// plan derives the input schemas of the step and maps its output onto the
// target. Schemas come from validation; the target is looked up again
// since an earlier node may have created it.
func (r *run) plan(ctx context.Context, n *flow.Node, s *flow.Step) (*flow.Plan, []*core.Schema, error) {
	inputs := make([]*core.Schema, len(s.Sources))
	for i, src := range s.Sources {
		schema, ok := r.report.Schema(r.g.Node(src).Name)
		if !ok {
			return nil, nil, errors.Newf(errors.ErrorTypeInternal, "no schema for %s", r.g.Node(src).Name)
		}
		inputs[i] = schema
	}
	output, err := flow.StepOutput(s, inputs)
	if err != nil {
		return nil, nil, err
	}
	existing, err := flow.ExistingTarget(ctx, s, n)
	if err != nil {
		return nil, nil, err
	}
	p, _, err := flow.PlanStep(s, output, flow.TargetTypes(n), existing)
	if err != nil {
		return nil, nil, err
	}
	return p, inputs, nil
}

// item is a row tagged with the index of the source it came from.
type item struct {
	source int
	row    types.Row
}

// pipeline runs one attempt: a reader goroutine per source feeds a bounded
// channel, the writer goroutine applies the step, converts values to the
// target types and writes. Sources are drained in declaration order.
func (r *run) pipeline(ctx context.Context, s *flow.Step, target *core.TableRef, p *flow.Plan, inputs []*core.Schema,
	mode core.WriteMode, offset int64, skipped map[flow.NodeID]bool) (stats, error) {
	var st stats

	apply, err := bindStep(s, inputs, p.Input)
	if err != nil {
		return st, err
	}
	if err := ctx.Err(); err != nil {
		return st, errors.Wrap(err, errors.ErrorTypeCancelled, "open writer")
	}
	w, err := target.Connector().OpenWriter(ctx, target, p.Target, mode)
	if err != nil {
		return st, err
	}

	g, gctx := errgroup.WithContext(ctx)
	chans := make([]chan item, len(s.Sources))
	// Readers pass their reader gate in declaration order, the order the
	// writer drains them in. The reader being drained has always passed
	// its gate, so a later reader of the same table cannot hold it up.
	entered := make([]chan struct{}, len(s.Sources))
	for i := range entered {
		entered[i] = make(chan struct{})
	}
	for i, src := range s.Sources {
		ch := make(chan item, r.e.opts.bufferSize)
		chans[i] = ch
		if skipped[src] {
			close(ch)
			close(entered[i])
			continue
		}
		i, ref := i, r.refs[src]
		g.Go(guard(func() error {
			defer close(ch)
			var once sync.Once
			pass := func() { once.Do(func() { close(entered[i]) }) }
			defer pass()
			if i > 0 {
				select {
				case <-entered[i-1]:
				case <-gctx.Done():
					return errors.Wrap(gctx.Err(), errors.ErrorTypeCancelled, "read cancelled")
				}
			}
			rd, done, err := r.openReader(gctx, ref, offset)
			if err != nil {
				return err
			}
			pass()
			defer done()
			var read int64
			defer func() { metrics.RowsRead(ref.Connector().Name(), read) }()
			for {
				row, err := rd.Next(gctx)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				read++
				select {
				case ch <- item{source: i, row: row}:
				case <-gctx.Done():
					return errors.Wrap(gctx.Err(), errors.ErrorTypeCancelled, "read cancelled")
				}
			}
		}))
	}

	preserves := target.Connector().Capabilities().PreservesContentType
	// consumed counts source rows taken off the channels, wrote is its
	// value when the last written row was handed to the writer and seen
	// is the last committed count observed.
	var consumed, wrote, seen int64
	// observe maps a change of the committed count onto the source rows
	// behind it: either every written row up to the current one, or up to
	// the previous one.
	observe := func(current int64, written bool) {
		c := w.Committed()
		if c == seen {
			return
		}
		seen = c
		switch {
		case written && c == st.rows+1:
			st.resumeAt = current
		case c == st.rows:
			st.resumeAt = wrote
		default:
			st.resumeAt = -1
		}
	}
	g.Go(guard(func() error {
		for _, ch := range chans {
			for it := range ch {
				if err := gctx.Err(); err != nil {
					return errors.Wrap(err, errors.ErrorTypeCancelled, "write cancelled")
				}
				consumed++
				out, keep, err := apply(it.source, it.row)
				if err != nil {
					return err
				}
				if !keep {
					continue
				}
				if s.Kind == flow.StepTransform && !s.PropagateContentType {
					// the function may hand back the source row itself
					out = out.Clone()
					st.dropped += int64(clearContentTypes(out))
				}
				row := p.Map(out)
				lossy, err := convertRow(p, row, s.Lossy)
				if err != nil {
					return err
				}
				st.lossy += lossy
				if !preserves {
					st.dropped += int64(countContentTypes(row))
				}
				err = w.Write(gctx, row)
				observe(consumed, true)
				if err != nil {
					return err
				}
				st.rows++
				wrote = consumed
			}
		}
		return nil
	}))

	fail := func(err error) (stats, error) {
		_ = w.Abort(context.WithoutCancel(ctx))
		observe(wrote, false)
		st.committed = w.Committed()
		return st, err
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(errors.Wrap(err, errors.ErrorTypeCancelled, "commit cancelled"))
	}
	if err := w.Commit(ctx); err != nil {
		return fail(err)
	}
	st.committed = w.Committed()
	if d, ok := w.(core.ContentTypeDropper); ok && preserves {
		st.dropped += d.DroppedContentTypes()
	}
	metrics.RowsWritten(target.Connector().Name(), st.rows)
	return st, nil
}

// guard turns a panic of fn into an execution error, which escalates to
// abort-flow.
func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = errors.Newf(errors.ErrorTypeExecution, "panic: %v", p).
					WithDetail("stack", string(debug.Stack()))
			}
		}()
		return fn()
	}
}

// bindStep returns the row function of a step.
func bindStep(s *flow.Step, inputs []*core.Schema, output *core.Schema) (transform.RowFunc, error) {
	switch s.Kind {
	case flow.StepFilter:
		keep, err := s.Predicate.Bind(inputs[0])
		if err != nil {
			return nil, err
		}
		return func(_ int, row types.Row) (types.Row, bool, error) {
			ok, err := keep(row)
			return row, ok, err
		}, nil
	case flow.StepTransform:
		return s.Function.Bind(inputs, output)
	}
	return func(_ int, row types.Row) (types.Row, bool, error) { return row, true, nil }, nil
}

// convertRow converts row in place to the target types. It returns the
// number of lossy values, or an error when lossy values must fail.
func convertRow(p *flow.Plan, row types.Row, policy flow.LossyPolicy) (int64, error) {
	var lossy int64
	for i := range row {
		from, ok := p.InputType(i)
		if !ok || row[i].IsNull() {
			continue
		}
		col := p.Target.Columns[i]
		v, outcome, err := types.Convert(row[i], from, col.Type)
		if err != nil {
			return lossy, errors.Wrap(err, errors.ErrorTypeConversion, "column "+col.Name)
		}
		if outcome.Lossy {
			if policy != flow.LossyCount {
				return lossy, errors.Newf(errors.ErrorTypeLossyConversion,
					"column %s: %s", col.Name, outcome.Reason).
					WithDetail("column", col.Name).
					WithDetail("value", fmt.Sprint(row[i].V))
			}
			lossy++
		}
		row[i] = v
	}
	return lossy, nil
}

func countContentTypes(row types.Row) int {
	n := 0
	for _, v := range row {
		if v.ContentType != "" {
			n++
		}
	}
	return n
}

func clearContentTypes(row types.Row) int {
	n := 0
	for i := range row {
		if row[i].ContentType != "" {
			row[i].ContentType = ""
			n++
		}
	}
	return n
}
