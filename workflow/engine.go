package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/checkpoint"
	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/state"
)

// maxSteps caps node executions per graph pass so a miswired branch cannot
// spin forever.
const maxSteps = 1000

// Engine runs one workflow definition as a resumable graph execution. It
// checkpoints after every node, pauses when a node requests human input, and
// re-enters at the paused node on resume with the resume value injected.
type Engine struct {
	def    *Definition
	saver  checkpoint.Saver
	logger *zap.Logger
}

// NewEngine compiles a definition into a runnable engine.
func NewEngine(def *Definition, saver checkpoint.Saver, logger *zap.Logger) (*Engine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		def:    def,
		saver:  saver,
		logger: logger.With(zap.String("component", "engine"), zap.String("workflow", def.ID)),
	}, nil
}

// StreamEvents implements graph.Handle. The returned channel is closed when
// the execution yields: graph end (completed, paused, or transitioning) or a
// fatal node error.
func (e *Engine) StreamEvents(ctx context.Context, inv graph.Invocation, opts graph.Options) <-chan graph.RawEvent {
	ch := make(chan graph.RawEvent, 16)
	go func() {
		defer close(ch)
		e.run(ctx, inv, opts, ch)
	}()
	return ch
}

func (e *Engine) run(ctx context.Context, inv graph.Invocation, opts graph.Options, ch chan<- graph.RawEvent) {
	st := inv.State
	current := e.def.Start

	var resumeValue any
	hasResume := false

	if inv.Resume != nil {
		restored, node, err := e.restore(ctx, opts, st)
		if err != nil {
			e.send(ctx, ch, graph.RawEvent{Kind: graph.RawError, Err: err})
			return
		}
		st = restored
		current = node
		if inv.Resume.Update != nil {
			st.Data = state.DeepMerge(st.Data, inv.Resume.Update)
		}
		st.AwaitingHumanInput = false
		st.HumanInputPayload = nil
		resumeValue = inv.Resume.Value
		hasResume = true
	}

	if st == nil {
		e.send(ctx, ch, graph.RawEvent{Kind: graph.RawError, Err: fmt.Errorf("workflow %s: no state to run", e.def.ID)})
		return
	}

	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			e.send(ctx, ch, graph.RawEvent{Kind: graph.RawError, Node: current, Err: err})
			return
		}
		if steps >= maxSteps {
			e.send(ctx, ch, graph.RawEvent{Kind: graph.RawError, Node: current, Err: fmt.Errorf("workflow %s: step limit reached at node %s", e.def.ID, current)})
			return
		}

		node, ok := e.def.Nodes[current]
		if !ok {
			e.send(ctx, ch, graph.RawEvent{Kind: graph.RawError, Node: current, Err: fmt.Errorf("workflow %s: node not found: %s", e.def.ID, current)})
			return
		}

		if !e.send(ctx, ch, graph.RawEvent{Kind: graph.RawNodeStart, Node: current}) {
			return
		}

		nc := graph.NewNodeContext(e.def.ID, current, opts.Sink, resumeValue, hasResume)
		result, err := e.runWithRetry(ctx, node, nc, st)
		resumeValue = nil
		hasResume = false

		if errors.Is(err, graph.ErrAwaitingInput) {
			e.pause(ctx, opts, ch, st, current, nc.PendingInput())
			return
		}
		if err != nil {
			st.LastError = &state.RunError{Message: err.Error()}
			e.logger.Error("node failed",
				zap.String("node", current),
				zap.Error(err),
			)
			e.send(ctx, ch, graph.RawEvent{Kind: graph.RawError, Node: current, Err: fmt.Errorf("node %s failed: %w", current, err)})
			return
		}

		var update state.Update
		if result != nil {
			update = result.Update
		}
		st.Apply(current, update)
		e.persist(ctx, opts, st, current, update)

		if !e.send(ctx, ch, graph.RawEvent{Kind: graph.RawNodeEnd, Node: current, Output: update.Data}) {
			return
		}

		if st.TransitionTo != "" {
			break
		}
		next := e.nextNode(node, result, st)
		if next == "" {
			break
		}
		current = next
	}

	e.send(ctx, ch, graph.RawEvent{Kind: graph.RawGraphEnd, Final: st})
}

// restore rebuilds the paused state for a resume: the durable checkpoint
// wins when present, otherwise the caller-reconstructed snapshot is used.
func (e *Engine) restore(ctx context.Context, opts graph.Options, fallback *state.GraphState) (*state.GraphState, string, error) {
	tuple, err := e.saver.Get(ctx, opts.ThreadID, opts.Namespace)
	if err != nil {
		e.logger.Warn("checkpoint lookup failed, using snapshot",
			zap.String("thread_id", opts.ThreadID),
			zap.Error(err),
		)
		tuple = nil
	}
	if tuple != nil && tuple.Checkpoint != nil {
		var st state.GraphState
		if err := json.Unmarshal(tuple.Checkpoint.State, &st); err != nil {
			return nil, "", fmt.Errorf("restore checkpoint state: %w", err)
		}
		return &st, tuple.Checkpoint.Node, nil
	}
	if fallback == nil {
		return nil, "", fmt.Errorf("workflow %s: nothing to resume", e.def.ID)
	}
	node := fallback.LastNode
	if node == "" || node == state.StartNode {
		node = e.def.Start
	}
	return fallback, node, nil
}

// pause checkpoints the run at the interrupting node, surfaces the interrupt
// through the sink, and yields with the awaiting state.
func (e *Engine) pause(ctx context.Context, opts graph.Options, ch chan<- graph.RawEvent, st *state.GraphState, node string, req *graph.InputRequest) {
	payload := map[string]any{}
	if req != nil {
		if req.Kind != "" {
			payload["kind"] = string(req.Kind)
		}
		if req.Question != "" {
			payload["question"] = req.Question
		}
		if req.Multiple {
			payload["multiple"] = true
		}
		if len(req.Options) > 0 {
			opts := make([]map[string]any, len(req.Options))
			for i, o := range req.Options {
				m := map[string]any{"id": o.ID, "label": o.Label}
				if o.Description != "" {
					m["description"] = o.Description
				}
				if o.Value != nil {
					m["value"] = o.Value
				}
				opts[i] = m
			}
			payload["options"] = opts
		}
	}
	st.Apply(node, state.Update{AwaitingInput: true, InputPayload: payload})
	// Re-entry must land on the interrupting node, not after it.
	e.persist(ctx, opts, st, node, state.Update{})

	if opts.Sink != nil {
		opts.Sink(graph.Emit{Kind: graph.EmitInterrupt, Node: node, Workflow: e.def.ID, Input: req})
	}
	e.send(ctx, ch, graph.RawEvent{Kind: graph.RawGraphEnd, Final: st})
}

// persist writes the post-node checkpoint. Failures are logged, never fatal:
// a run should not die because the store hiccuped, it only loses durability.
func (e *Engine) persist(ctx context.Context, opts graph.Options, st *state.GraphState, node string, update state.Update) {
	if e.saver == nil || opts.ThreadID == "" {
		return
	}

	data, err := json.Marshal(st)
	if err != nil {
		e.logger.Warn("marshal checkpoint state failed", zap.String("node", node), zap.Error(err))
		return
	}
	cp := &checkpoint.Checkpoint{
		ID:        uuid.NewString(),
		Node:      node,
		State:     data,
		CreatedAt: time.Now(),
	}
	md := checkpoint.Metadata{"workflow": e.def.ID, "node": node}
	if err := e.saver.Put(ctx, opts.ThreadID, opts.Namespace, cp, md); err != nil {
		e.logger.Warn("checkpoint save failed",
			zap.String("thread_id", opts.ThreadID),
			zap.String("node", node),
			zap.Error(err),
		)
		return
	}

	if update.Data != nil {
		value, err := json.Marshal(update.Data)
		if err != nil {
			return
		}
		writes := []checkpoint.PendingWrite{{TaskID: node, Channel: "data", Value: value}}
		if err := e.saver.PutWrites(ctx, opts.ThreadID, opts.Namespace, cp.ID, writes); err != nil {
			e.logger.Warn("checkpoint writes save failed",
				zap.String("thread_id", opts.ThreadID),
				zap.String("node", node),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) runWithRetry(ctx context.Context, node *Node, nc *graph.NodeContext, st *state.GraphState) (*graph.NodeResult, error) {
	attempts := node.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := node.Run(ctx, nc, st)
		if err == nil || errors.Is(err, graph.ErrAwaitingInput) {
			return result, err
		}
		lastErr = err
		st.RetryCount++
		if attempt == attempts {
			break
		}
		e.logger.Warn("node attempt failed, retrying",
			zap.String("node", node.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if node.Retry.Delay > 0 {
			select {
			case <-time.After(node.Retry.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (e *Engine) nextNode(node *Node, result *graph.NodeResult, st *state.GraphState) string {
	if result != nil {
		if result.End {
			return ""
		}
		if result.Next != "" {
			return result.Next
		}
	}
	if node.Branches != nil {
		return node.Branches(st)
	}
	return node.Next
}

func (e *Engine) send(ctx context.Context, ch chan<- graph.RawEvent, ev graph.RawEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ graph.Handle = (*Engine)(nil)
