// ABOUTME: Execution driver: seeds start nodes, launches ready nodes under the
// ABOUTME: concurrency cap, routes output tokens, retries transients, and finalizes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dipeo/dipeo/diagram"
	"github.com/dipeo/dipeo/envelope"
	"github.com/dipeo/dipeo/events"
	"github.com/dipeo/dipeo/person"
	"github.com/dipeo/dipeo/state"
)

// Status is the terminal outcome of an execution.
type Status string

const (
	ExecCompleted Status = "completed"
	ExecFailed    Status = "failed"
	ExecCancelled Status = "cancelled"
)

// Result is what an execution leaves behind: outcome, full history, and the
// last envelope recorded at each endpoint node.
type Result struct {
	ExecutionID  diagram.ExecutionID
	Status       Status
	Reason       string
	History      []state.ExecutionRecord
	FinalOutputs map[diagram.NodeID]*envelope.Envelope
}

// Engine runs compiled diagrams. One Engine serves many executions; all
// per-execution state lives in the Execution.
type Engine struct {
	cfg      Config
	registry *Registry
	bus      *events.Bus
	ports    Ports
	log      *slog.Logger

	// subSem caps concurrently running child diagrams process-wide.
	subSem chan struct{}
	tmpl   *promptCache
}

// New creates an engine with the given configuration and injected ports.
// A nil logger discards engine logging.
func New(cfg Config, registry *Registry, bus *events.Bus, p Ports, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		ports:    p,
		log:      log,
		subSem:   make(chan struct{}, cfg.SubDiagramMaxConcurrent),
		tmpl:     newPromptCache(cfg.PromptTemplateCache),
	}
}

// Bus exposes the engine's event bus for observers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Execution is one in-flight run of a diagram.
type Execution struct {
	ID diagram.ExecutionID

	engine    *Engine
	diag      *diagram.ExecutableDiagram
	variables map[string]any
	tracker   *state.Tracker
	sched     *Scheduler
	conv      *person.Conversation
	memory    *person.Selector

	cancel    context.CancelFunc
	cancelled chan struct{}
	once      sync.Once

	done   chan struct{}
	result *Result
}

// Start begins executing the diagram and returns immediately. The supplied
// variables become the execution's read-only initial inputs.
func (e *Engine) Start(ctx context.Context, diag *diagram.ExecutableDiagram, variables map[string]any) (*Execution, error) {
	if len(diag.StartNodes) == 0 {
		return nil, &ExecutionError{Message: "diagram has no start nodes"}
	}
	if variables == nil {
		variables = map[string]any{}
	}

	execID := diagram.NewExecutionID()
	e.bus.Register(execID, e.cfg.EventRingMaxLen)

	runCtx, cancel := context.WithCancel(ctx)
	x := &Execution{
		ID:        execID,
		engine:    e,
		diag:      diag,
		variables: variables,
		tracker:   state.NewTracker(execID, diag.NodeIDs()),
		conv:      person.NewConversation(),
		memory:    person.NewSelector(e.ports.LLM, e.log),
		cancel:    cancel,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
	x.sched = NewScheduler(diag, x.tracker, e.bus, execID)

	e.bus.Publish(execID, events.ExecutionStarted, map[string]any{
		"diagram_id": diag.ID,
		"variables":  variables,
	})
	e.log.Info("execution started", "execution_id", execID, "diagram_id", diag.ID)

	go x.run(runCtx)
	return x, nil
}

// Run executes a diagram to completion.
func (e *Engine) Run(ctx context.Context, diag *diagram.ExecutableDiagram, variables map[string]any) (*Result, error) {
	x, err := e.Start(ctx, diag, variables)
	if err != nil {
		return nil, err
	}
	return x.Wait(), nil
}

// Wait blocks until the execution reaches a terminal status.
func (x *Execution) Wait() *Result {
	<-x.done
	return x.result
}

// Cancel requests cancellation. In-flight handlers get the configured grace
// period to observe context cancellation before the execution finalizes.
func (x *Execution) Cancel() {
	x.once.Do(func() {
		close(x.cancelled)
		x.cancel()
	})
}

// Tracker exposes the execution's state tracker for observers.
func (x *Execution) Tracker() *state.Tracker { return x.tracker }

// nodeResult is one finished node invocation delivered back to the driver.
type nodeResult struct {
	cand       ReadyCandidate
	execNumber int
	out        *envelope.Envelope
	err        error
}

// run is the driver loop. It owns the launch queue; everything node-level
// happens in per-node goroutines that report back over the results channel.
func (x *Execution) run(ctx context.Context) {
	defer x.cancel()

	cfg := x.engine.cfg
	results := make(chan nodeResult)
	queue := make([]ReadyCandidate, 0, len(x.diag.StartNodes))
	queued := make(map[ReadyCandidate]struct{})
	running := make(map[ReadyCandidate]struct{})
	inflight := 0

	// Start nodes have no incoming edges; the driver seeds them at epoch 0.
	for _, id := range x.diag.StartNodes {
		c := ReadyCandidate{Node: id, Epoch: 0}
		queue = append(queue, c)
		queued[c] = struct{}{}
	}

	for {
		for _, c := range x.sched.ReadyCandidates() {
			if _, isQueued := queued[c]; isQueued {
				continue
			}
			if _, isRunning := running[c]; isRunning {
				continue
			}
			queue = append(queue, c)
			queued[c] = struct{}{}
		}

		for len(queue) > 0 && inflight < cfg.MaxConcurrent {
			c := queue[0]
			queue = queue[1:]
			delete(queued, c)

			if x.skipExhaustedPersonJob(c) {
				continue
			}
			node := x.diag.Node(c.Node)
			if len(x.diag.IncomingEdges(c.Node)) > 0 && !x.sched.IsReady(c.Node, c.Epoch) {
				continue // stale candidate, tokens were consumed meanwhile
			}
			running[c] = struct{}{}
			inflight++
			go x.invoke(ctx, c, node, results)
		}

		if inflight == 0 && len(queue) == 0 {
			if x.sched.HasPendingTokens() {
				x.finalize(ExecFailed, "no runnable node but tokens remain pending")
				return
			}
			x.sweepSkipped()
			x.engine.bus.Publish(x.ID, events.ExecutionCompleted, map[string]any{})
			x.finalize(ExecCompleted, "")
			return
		}

		select {
		case r := <-results:
			inflight--
			delete(running, r.cand)
			if r.err != nil {
				x.failNode(r)
				x.drain(results, inflight)
				x.finalize(ExecFailed, r.err.Error())
				return
			}
			if stop, reason := x.completeNode(r); stop {
				x.drain(results, inflight)
				x.finalize(ExecFailed, reason)
				return
			}
		case <-ctx.Done():
			x.drain(results, inflight)
			status, reason := ExecFailed, ctx.Err().Error()
			select {
			case <-x.cancelled:
				status, reason = ExecCancelled, "cancelled"
			default:
			}
			x.engine.bus.Publish(x.ID, events.ExecutionFailed, map[string]any{"reason": reason})
			x.finalize(status, reason)
			return
		}
	}
}

// drain gives in-flight handlers the grace period to observe cancellation,
// discarding their results.
func (x *Execution) drain(results chan nodeResult, inflight int) {
	x.cancel()
	grace := time.After(x.engine.cfg.CancelGrace)
	for inflight > 0 {
		select {
		case <-results:
			inflight--
		case <-grace:
			return
		}
	}
}

func (x *Execution) finalize(status Status, reason string) {
	outputs := make(map[diagram.NodeID]*envelope.Envelope)
	for _, id := range x.diag.NodesOfType(diagram.NodeTypeEndpoint) {
		if out := x.tracker.LastOutput(id); out != nil {
			outputs[id] = out
		}
	}
	x.result = &Result{
		ExecutionID:  x.ID,
		Status:       status,
		Reason:       reason,
		History:      x.tracker.Timeline(),
		FinalOutputs: outputs,
	}
	x.engine.bus.Finish(x.ID)
	x.engine.log.Info("execution finished", "execution_id", x.ID, "status", status)
	close(x.done)
}

// sweepSkipped marks every node that never ran as skipped.
func (x *Execution) sweepSkipped() {
	for _, id := range x.diag.NodeIDs() {
		if x.tracker.Status(id) == state.StatusPending {
			x.tracker.Transition(id, state.StatusSkipped)
		}
	}
}

// skipExhaustedPersonJob handles the max-iteration guard: an exhausted
// PersonJob consumes and drops its tokens, moves to maxiter_reached, and
// publishes nothing. Returns true when the candidate was absorbed.
func (x *Execution) skipExhaustedPersonJob(c ReadyCandidate) bool {
	pj, ok := x.diag.Node(c.Node).(*diagram.PersonJobNode)
	if !ok {
		return false
	}
	count := x.tracker.TotalExecutionCount(c.Node)
	if pj.MaxIterationScope == diagram.ScopePerEpoch {
		count = x.tracker.ExecutionCount(c.Node, c.Epoch)
	}
	if count < pj.MaxIteration {
		return false
	}
	x.sched.ConsumeInbound(c.Node, c.Epoch)
	// Later epochs may re-deliver tokens to an already exhausted node; the
	// status only moves on the first pass.
	if x.tracker.Status(c.Node) != state.StatusMaxIterReached {
		x.reactivate(c.Node)
		if err := x.tracker.Transition(c.Node, state.StatusRunning); err != nil {
			x.engine.log.Warn("exhausted person job transition", "execution_id", x.ID, "node", c.Node, "error", err)
		} else if err := x.tracker.Transition(c.Node, state.StatusMaxIterReached); err != nil {
			x.engine.log.Warn("exhausted person job transition", "execution_id", x.ID, "node", c.Node, "error", err)
		}
	}
	x.engine.log.Debug("person job exhausted", "execution_id", x.ID, "node", c.Node, "epoch", c.Epoch)
	return true
}

// reactivate returns a node that finished a previous iteration to pending.
func (x *Execution) reactivate(id diagram.NodeID) {
	switch x.tracker.Status(id) {
	case state.StatusCompleted, state.StatusSkipped:
		x.tracker.Transition(id, state.StatusPending)
	}
}

// invoke runs one node invocation in its own goroutine: consume tokens,
// resolve inputs, execute with retries, and report the outcome.
func (x *Execution) invoke(ctx context.Context, c ReadyCandidate, node diagram.ExecutableNode, results chan<- nodeResult) {
	consumed := x.sched.ConsumeInbound(c.Node, c.Epoch)

	x.reactivate(c.Node)
	if err := x.tracker.Transition(c.Node, state.StatusRunning); err != nil {
		results <- nodeResult{cand: c, err: &ExecutionError{Message: "illegal state", Cause: err}}
		return
	}
	execNumber := x.tracker.RecordStart(c.Node, c.Epoch)
	x.engine.bus.Publish(x.ID, events.NodeStarted, map[string]any{
		"node_id":          string(c.Node),
		"epoch":            c.Epoch,
		"execution_number": execNumber,
	})

	inputs, err := resolveInputs(node, consumed, x.engine.cfg.StrictEnvelopes)
	if err != nil {
		// Resolver failures are structural, never offered to OnError.
		results <- nodeResult{cand: c, execNumber: execNumber, err: err}
		return
	}

	handler, ok := x.engine.registry.Handler(node.NodeType())
	if !ok {
		results <- nodeResult{cand: c, execNumber: execNumber, err: Permanentf(c.Node, "no handler for node type %q", node.NodeType())}
		return
	}

	ec := &ExecutionContext{
		ExecID:          x.ID,
		Diagram:         x.diag,
		Node:            node,
		Epoch:           c.Epoch,
		ExecutionNumber: execNumber,
		Variables:       x.variables,
		Tracker:         x.tracker,
		Conversation:    x.conv,
		Memory:          x.memory,
		Ports:           x.engine.ports,
		Config:          x.engine.cfg,
		Engine:          x.engine,
	}

	out, err := x.executeWithRetries(ctx, handler, node, inputs, ec)
	if err != nil {
		if recovery := handler.OnError(err, ec); recovery != nil {
			results <- nodeResult{cand: c, execNumber: execNumber, out: recovery}
			return
		}
		results <- nodeResult{cand: c, execNumber: execNumber, err: err}
		return
	}
	results <- nodeResult{cand: c, execNumber: execNumber, out: handler.PostExecute(out, ec)}
}

// executeWithRetries runs the handler, retrying transient failures with
// exponential backoff when the node opts in. The resolved inputs are reused
// across attempts; tokens are consumed exactly once.
func (x *Execution) executeWithRetries(ctx context.Context, handler Handler, node diagram.ExecutableNode, inputs Inputs, ec *ExecutionContext) (*envelope.Envelope, error) {
	retryable, maxRetries := node.RetryPolicy()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		out, err := x.executeOnce(ctx, handler, node, inputs, ec)
		if err == nil {
			return out, nil
		}
		if !retryable || attempt >= maxRetries || !transient(err) {
			return nil, err
		}
		x.engine.log.Warn("retrying node after transient failure",
			"execution_id", x.ID, "node", node.NodeID(), "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ErrCancelled
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// executeOnce runs a single attempt under the node's timeout.
func (x *Execution) executeOnce(ctx context.Context, handler Handler, node diagram.ExecutableNode, inputs Inputs, ec *ExecutionContext) (*envelope.Envelope, error) {
	runCtx := ctx
	if timeout := node.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	prepared, err := handler.PrepareInputs(inputs, ec)
	if err != nil {
		return nil, err
	}
	out, err := handler.Execute(runCtx, prepared, ec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Node: node.NodeID()}
		}
		if errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, err
	}
	if out == nil {
		return nil, Permanentf(node.NodeID(), "handler returned no output")
	}
	return out.WithTrace(string(x.ID)), nil
}

// failNode records a node failure and emits NodeFailed plus ExecutionFailed.
func (x *Execution) failNode(r nodeResult) {
	x.tracker.Transition(r.cand.Node, state.StatusFailed)
	x.tracker.RecordCompletion(r.cand.Node, r.cand.Epoch, state.StatusFailed, nil)
	x.engine.bus.Publish(x.ID, events.NodeFailed, map[string]any{
		"node_id":    string(r.cand.Node),
		"epoch":      r.cand.Epoch,
		"error_kind": errorKind(r.err),
		"message":    r.err.Error(),
	})
	x.engine.bus.Publish(x.ID, events.ExecutionFailed, map[string]any{"reason": r.err.Error()})
	x.engine.log.Error("node failed", "execution_id", x.ID, "node", r.cand.Node, "error", r.err)
}

// completeNode records success and routes the output onto outgoing edges.
// It returns stop=true when routing found no legal destination for an error
// envelope, which fails the execution.
func (x *Execution) completeNode(r nodeResult) (stop bool, reason string) {
	x.tracker.Transition(r.cand.Node, state.StatusCompleted)
	x.tracker.RecordCompletion(r.cand.Node, r.cand.Epoch, state.StatusCompleted, r.out)
	x.engine.bus.Publish(x.ID, events.NodeCompleted, map[string]any{
		"node_id":          string(r.cand.Node),
		"epoch":            r.cand.Epoch,
		"execution_number": r.execNumber,
		"envelope_summary": r.out.Summary(),
	})

	node := x.diag.Node(r.cand.Node)

	if node.NodeType() == diagram.NodeTypeCondition {
		branch := diagram.LabelCondFalse
		if v, _ := r.out.Meta[metaActiveBranch].(string); v == string(diagram.LabelCondTrue) {
			branch = diagram.LabelCondTrue
		}
		x.sched.SetActiveBranch(r.cand.Node, r.cand.Epoch, branch)
		for _, edge := range x.diag.OutgoingFrom(r.cand.Node, branch) {
			x.sched.PublishOut(edge, r.out)
		}
		return false, ""
	}

	if r.out.IsError() {
		errEdges := x.diag.OutgoingFrom(r.cand.Node, diagram.LabelError)
		if len(errEdges) == 0 {
			return true, fmt.Sprintf("node %s produced an error envelope with no error handle connected", r.cand.Node)
		}
		for _, edge := range errEdges {
			x.sched.PublishOut(edge, r.out)
		}
		return false, ""
	}

	for _, edge := range x.diag.OutgoingEdges(r.cand.Node) {
		if edge.SourceLabel == diagram.LabelError {
			continue
		}
		x.sched.PublishOut(edge, r.out)
	}
	return false, ""
}

func errorKind(err error) string {
	var herr *HandlerError
	var terr *TransformError
	var toErr *TimeoutError
	var collision *InputCollision
	var missing *MissingRequiredInput
	switch {
	case errors.As(err, &toErr):
		return "timeout"
	case errors.As(err, &terr):
		return "transform"
	case errors.As(err, &collision):
		return "input_collision"
	case errors.As(err, &missing):
		return "missing_input"
	case errors.As(err, &herr):
		if herr.Transient {
			return "transient"
		}
		return "permanent"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}
