package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/pending"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/stream"
)

// RunParams starts one orchestrated run. Exactly one of a fresh State or a
// Resume command (with the reconstructed snapshot in State) is in play; the
// RunID is stable across interrupt and resume of the same logical run.
type RunParams struct {
	SessionID string
	RunID     string
	State     *state.GraphState
	Resume    *graph.ResumeCommand
}

// Run drives the workflow selected by the state to completion or pause and
// returns the ordered chunk stream. The stream always terminates with
// exactly one done chunk (possibly preceded by one error chunk); nothing
// follows it.
func (a *Agent) Run(ctx context.Context, p RunParams) <-chan stream.Chunk {
	w := stream.NewWriter(a.buffer)
	go a.orchestrate(ctx, p, w)
	return w.Chunks()
}

type pendingTransition struct {
	to      string
	payload map[string]any
}

// runner holds the per-run orchestration state. The mutex guards the fields
// shared between the raw-event loop and the emit sink, which the engine may
// call from its own goroutine.
type runner struct {
	a      *Agent
	w      *stream.Writer
	logger *zap.Logger

	sessionID string
	runID     string

	mu             sync.Mutex
	resuming       bool
	wroteInterrupt bool
	pendingToken   string
	transition     *pendingTransition
	failed         bool
	lastStatus     string
	lastStatusAt   time.Time
}

func (a *Agent) orchestrate(ctx context.Context, p RunParams, w *stream.Writer) {
	started := a.now()
	r := &runner{
		a:         a,
		w:         w,
		logger:    a.logger.With(zap.String("session_id", p.SessionID), zap.String("run_id", p.RunID)),
		sessionID: p.SessionID,
		runID:     p.RunID,
		resuming:  p.Resume != nil,
	}

	// Nothing may escape unterminated: a panic anywhere below becomes an
	// error chunk plus done.
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("run panicked", zap.Any("panic", rec))
			w.Fail(ctx, "internal error")
			a.metrics.RunFinished("panic", a.now().Sub(started))
		}
	}()

	// Session announcement is best-effort; a dropped write is not fatal.
	r.write(ctx, stream.Chunk{Type: stream.ChunkSession, SessionID: p.SessionID})

	st := p.State
	resume := p.Resume
	namespaces := []string{}
	outcome := "completed"

	for {
		wfID := st.CurrentWorkflow
		namespaces = appendUnique(namespaces, wfID)

		def, err := a.registry.Select(wfID)
		if err != nil {
			r.fail(ctx, err.Error())
			a.metrics.RunFinished("error", a.now().Sub(started))
			return
		}
		handle, err := a.compile(def)
		if err != nil {
			r.fail(ctx, err.Error())
			a.metrics.RunFinished("error", a.now().Sub(started))
			return
		}

		passCtx, span := a.tracer.Start(ctx, "agent.graph_pass", trace.WithAttributes(
			attribute.String("workflow", wfID),
			attribute.String("run_id", p.RunID),
		))
		r.resetPass()
		final := r.consume(passCtx, handle, st, resume)
		span.End()

		resume = nil
		r.mu.Lock()
		r.resuming = false
		failed := r.failed
		wroteInterrupt := r.wroteInterrupt
		r.mu.Unlock()

		if failed {
			a.metrics.RunFinished("error", a.now().Sub(started))
			return
		}

		// Transition resolution: the sink capture wins; a transition left
		// on the final state is the fallback.
		t := r.takeTransition()
		if t == nil && final != nil && final.TransitionTo != "" {
			t = &pendingTransition{to: final.TransitionTo}
		}
		if t != nil {
			if final == nil {
				final = st
			}
			st = continueState(final, t)
			continue
		}

		if final != nil {
			if wroteInterrupt {
				// Resume must see the freshest snapshot, so the pending
				// record is updated with the state the pass ended on.
				r.persistFinalSnapshot(ctx, final)
				outcome = "interrupted"
			} else if final.AwaitingHumanInput {
				// A resumed pass paused again; no new prompt was issued this
				// pass, but the durable pause point must survive for a later
				// resume.
				outcome = "interrupted"
			} else if err := a.adapter.CleanupRun(ctx, p.RunID, namespaces); err != nil {
				r.logger.Warn("run cleanup failed", zap.Error(err))
				a.metrics.StoreFailure("cleanup")
			}
			r.done(ctx, final)
		} else {
			r.done(ctx, nil)
		}
		a.metrics.RunFinished(outcome, a.now().Sub(started))
		return
	}
}

// continueState prepares the state a follow-up workflow starts with: the
// previous workflow's final data merged with the transition payload, raw
// input carried over when supplied, presentation sub-state reset.
func continueState(final *state.GraphState, t *pendingTransition) *state.GraphState {
	st := final
	st.CurrentWorkflow = t.to
	st.TransitionTo = ""
	st.LastNode = state.StartNode
	st.Data = state.DeepMerge(st.Data, t.payload)
	if raw, ok := t.payload["rawInput"]; ok {
		st.Input = raw
	}
	st.UI = nil
	return st
}

// consume drives one graph pass, bridging sink emissions and transformed
// raw events into the chunk stream, and returns the captured final state.
func (r *runner) consume(ctx context.Context, handle graph.Handle, st *state.GraphState, resume *graph.ResumeCommand) *state.GraphState {
	events := handle.StreamEvents(ctx, graph.Invocation{State: st, Resume: resume}, graph.Options{
		ThreadID:  r.runID,
		Namespace: st.CurrentWorkflow,
		Sink:      r.sink(ctx, st),
	})

	tr := newTransformer()
	var final *state.GraphState
	for ev := range events {
		if ev.Kind == graph.RawGraphEnd && ev.Final != nil {
			final = ev.Final
		}
		for _, c := range tr.Transform(ev) {
			if c.Type == stream.ChunkInterrupt && final != nil {
				// Placeholder from the transformer: rebuild the request from
				// the recorded payload so canonical option values survive
				// into the pending record.
				r.maybeInterrupt(ctx, st, c.Node, c.Workflow, requestFromPayload(final.HumanInputPayload))
				continue
			}
			r.forward(ctx, st, c)
		}
		if r.hasFailed() {
			for range events {
			}
			break
		}
	}
	return final
}

// sink translates node-level emissions into chunks. Called from the
// engine's goroutine while the raw-event loop runs concurrently.
func (r *runner) sink(ctx context.Context, st *state.GraphState) graph.Sink {
	return func(em graph.Emit) {
		switch em.Kind {
		case graph.EmitError:
			r.fail(ctx, em.Message)

		case graph.EmitStatus:
			r.writeStatus(ctx, stream.Chunk{Type: stream.ChunkStatus, Message: em.Message, Node: em.Node})

		case graph.EmitTextStart:
			if em.Node == "" {
				return
			}
			r.write(ctx, stream.Chunk{Type: stream.ChunkTextStart, Node: em.Node})

		case graph.EmitTextDelta:
			if em.Node == "" || em.Delta == "" {
				return
			}
			r.write(ctx, stream.Chunk{Type: stream.ChunkTextDelta, Node: em.Node, Delta: em.Delta})

		case graph.EmitTextEnd:
			if em.Node == "" {
				return
			}
			r.write(ctx, stream.Chunk{Type: stream.ChunkTextEnd, Node: em.Node})

		case graph.EmitMessage:
			r.write(ctx, stream.Chunk{Type: stream.ChunkMessage, Content: em.Content, Node: em.Node})

		case graph.EmitStructuredData:
			r.write(ctx, stream.Chunk{Type: stream.ChunkStructuredData, DataType: em.DataType, Node: em.Node, Data: em.Data})

		case graph.EmitTransition:
			r.mu.Lock()
			r.transition = &pendingTransition{to: em.TransitionTo, payload: em.Payload}
			r.mu.Unlock()
			// Surfaced verbatim for observability; the loop acts on it
			// after the pass yields.
			r.write(ctx, stream.Chunk{Type: stream.ChunkTransition, TransitionTo: em.TransitionTo, Payload: em.Payload, Node: em.Node})

		case graph.EmitInterrupt:
			r.maybeInterrupt(ctx, st, em.Node, em.Workflow, em.Input)
		}
	}
}

// forward routes one transformed chunk. Done chunks are captured by the
// loop, never forwarded: the orchestrator owns the single terminal chunk.
func (r *runner) forward(ctx context.Context, st *state.GraphState, c stream.Chunk) {
	switch c.Type {
	case stream.ChunkDone:
		return
	case stream.ChunkError:
		r.fail(ctx, c.Message)
	case stream.ChunkStatus:
		r.writeStatus(ctx, c)
	case stream.ChunkInterrupt:
		// Placeholder from the transformer: blank credentials, skipped
		// when the sink path already emitted the real interrupt.
		r.maybeInterrupt(ctx, st, c.Node, c.Workflow, requestFromInput(c.Input))
	default:
		r.write(ctx, c)
	}
}

// maybeInterrupt runs the interrupt protocol at most once per pass, and
// never while a resume is in flight.
func (r *runner) maybeInterrupt(ctx context.Context, st *state.GraphState, node, wf string, req *graph.InputRequest) {
	r.mu.Lock()
	if r.resuming || r.wroteInterrupt {
		r.mu.Unlock()
		return
	}
	r.wroteInterrupt = true
	r.mu.Unlock()

	if req == nil {
		req = &graph.InputRequest{}
	}
	if wf == "" {
		wf = st.CurrentWorkflow
	}
	if node == "" {
		node = st.LastNode
	}

	kind := req.Kind
	if kind == "" {
		kind = stream.InputChoice
		if req.Multiple {
			kind = stream.InputMultiChoice
		}
	}
	question := req.Question
	if kind != stream.InputText && question == "" {
		question = "Please choose an option"
	}

	token := pending.NewToken()
	requestID := pending.NewRequestID()

	snapshot := st.Clone()
	snapshot.AwaitingHumanInput = true
	stateJSON, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Warn("marshal pause snapshot failed", zap.Error(err))
	}

	rec := &pending.Record{
		Token:     token,
		RequestID: requestID,
		SessionID: r.sessionID,
		RunID:     r.runID,
		Workflow:  wf,
		Node:      node,
		State:     stateJSON,
		Schema: pending.InputSchema{
			Kind:     string(kind),
			Multiple: req.Multiple,
			Question: question,
		},
		Options:   recordOptions(req.Options),
		TTLMillis: r.a.adapter.TTL.Milliseconds(),
	}

	// Persistence is fired asynchronously: the client must see the prompt
	// even if the store write is slow or fails; a failed write only means
	// the eventual resume will fall through to a fresh run.
	saveCtx := context.WithoutCancel(ctx)
	go func() {
		sctx, cancel := context.WithTimeout(saveCtx, 5*time.Second)
		defer cancel()
		if err := r.a.adapter.Pending.Save(sctx, rec); err != nil {
			r.logger.Warn("pending request save failed", zap.String("token", token), zap.Error(err))
			r.a.metrics.StoreFailure("pending_save")
		}
	}()

	r.mu.Lock()
	r.pendingToken = token
	r.mu.Unlock()
	r.a.metrics.InterruptCreated(wf)

	r.write(ctx, stream.Chunk{
		Type:        stream.ChunkInterrupt,
		RequestID:   requestID,
		ResumeToken: token,
		Workflow:    wf,
		Node:        node,
		Input: &stream.InterruptInput{
			Kind:     kind,
			Multiple: req.Multiple,
			Question: question,
			Options:  clientOptions(req.Options),
		},
	})
}

// persistFinalSnapshot updates the pending record with the state the pass
// ended on, so resume reconstructs from the freshest snapshot.
func (r *runner) persistFinalSnapshot(ctx context.Context, final *state.GraphState) {
	r.mu.Lock()
	token := r.pendingToken
	r.mu.Unlock()
	if token == "" {
		return
	}

	snapshot := final.Clone()
	snapshot.AwaitingHumanInput = true
	raw, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Warn("marshal final snapshot failed", zap.Error(err))
		return
	}
	patch := json.RawMessage(raw)

	saveCtx := context.WithoutCancel(ctx)
	go func() {
		sctx, cancel := context.WithTimeout(saveCtx, 5*time.Second)
		defer cancel()
		if err := r.a.adapter.Pending.Update(sctx, token, pending.Patch{State: &patch}); err != nil {
			r.logger.Warn("pending request update failed", zap.String("token", token), zap.Error(err))
			r.a.metrics.StoreFailure("pending_update")
		}
	}()
}

func (r *runner) resetPass() {
	r.mu.Lock()
	r.wroteInterrupt = false
	r.transition = nil
	r.mu.Unlock()
}

func (r *runner) takeTransition() *pendingTransition {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.transition
	r.transition = nil
	return t
}

func (r *runner) hasFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// fail terminates the stream with an error chunk followed by done. Only the
// first failure wins.
func (r *runner) fail(ctx context.Context, message string) {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return
	}
	r.failed = true
	r.mu.Unlock()

	r.logger.Warn("run failed", zap.String("error", message))
	errorSent, doneSent := r.w.Fail(ctx, message)
	if errorSent {
		r.a.metrics.ChunkEmitted(string(stream.ChunkError))
	}
	if doneSent {
		r.a.metrics.ChunkEmitted(string(stream.ChunkDone))
	}
}

func (r *runner) done(ctx context.Context, final *state.GraphState) {
	var data any
	if final != nil {
		data = final
	}
	if r.w.Done(ctx, data) {
		r.a.metrics.ChunkEmitted(string(stream.ChunkDone))
	}
}

// writeStatus applies the status gate: statuses only flow when tracing is
// enabled, and an identical message inside the de-dup window is dropped.
func (r *runner) writeStatus(ctx context.Context, c stream.Chunk) {
	if !r.a.features.Tracing {
		return
	}

	r.mu.Lock()
	now := r.a.now()
	if c.Message == r.lastStatus && now.Sub(r.lastStatusAt) < statusDedupWindow {
		r.mu.Unlock()
		return
	}
	r.lastStatus = c.Message
	r.lastStatusAt = now
	r.mu.Unlock()

	r.write(ctx, c)
}

func (r *runner) write(ctx context.Context, c stream.Chunk) {
	if r.w.Write(ctx, c) {
		r.a.metrics.ChunkEmitted(string(c.Type))
	}
}

// requestFromInput rebuilds an input request from a client-facing
// descriptor; canonical values are absent by construction.
func requestFromInput(in *stream.InterruptInput) *graph.InputRequest {
	if in == nil {
		return nil
	}
	req := &graph.InputRequest{
		Kind:     in.Kind,
		Multiple: in.Multiple,
		Question: in.Question,
	}
	for _, opt := range in.Options {
		req.Options = append(req.Options, graph.InputOption{ID: opt.ID, Label: opt.Label, Description: opt.Description})
	}
	return req
}

func recordOptions(opts []graph.InputOption) []pending.Option {
	if len(opts) == 0 {
		return nil
	}
	out := make([]pending.Option, len(opts))
	for i, opt := range opts {
		out[i] = pending.Option{ID: opt.ID, Label: opt.Label, Description: opt.Description, Value: opt.Value}
	}
	return out
}

// clientOptions strips server-side canonical values before options go on
// the wire.
func clientOptions(opts []graph.InputOption) []stream.InputOption {
	if len(opts) == 0 {
		return nil
	}
	out := make([]stream.InputOption, len(opts))
	for i, opt := range opts {
		out[i] = stream.InputOption{ID: opt.ID, Label: opt.Label, Description: opt.Description}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
