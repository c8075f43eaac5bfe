package agent

import (
	"fmt"

	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/stream"
)

// transformer translates the engine's raw lifecycle events into chunks. It
// holds only per-pass bookkeeping: which nodes already reported start/end
// (engines may repeat those signals) and which nodes streamed text, so a
// closing text-end is only emitted for nodes that actually streamed.
type transformer struct {
	started  map[string]bool
	ended    map[string]bool
	streamed map[string]bool
}

func newTransformer() *transformer {
	return &transformer{
		started:  make(map[string]bool),
		ended:    make(map[string]bool),
		streamed: make(map[string]bool),
	}
}

// Transform maps one raw event to zero or more chunks. Graph completion
// with an awaiting-input state yields a placeholder interrupt chunk with
// blank credentials; the orchestrator mints them before anything reaches
// the client. A completed graph yields a done chunk the orchestrator
// captures as the candidate final state.
func (t *transformer) Transform(ev graph.RawEvent) []stream.Chunk {
	switch ev.Kind {
	case graph.RawNodeStart:
		if ev.Node == "" || t.started[ev.Node] {
			return nil
		}
		t.started[ev.Node] = true
		return []stream.Chunk{{
			Type:    stream.ChunkStatus,
			Message: fmt.Sprintf("running %s", ev.Node),
			Node:    ev.Node,
		}}

	case graph.RawModelDelta:
		if ev.Node == "" || ev.Delta == "" {
			return nil
		}
		var chunks []stream.Chunk
		if !t.streamed[ev.Node] {
			t.streamed[ev.Node] = true
			chunks = append(chunks, stream.Chunk{Type: stream.ChunkTextStart, Node: ev.Node})
		}
		return append(chunks, stream.Chunk{Type: stream.ChunkTextDelta, Node: ev.Node, Delta: ev.Delta})

	case graph.RawNodeEnd:
		if ev.Node == "" || t.ended[ev.Node] {
			return nil
		}
		t.ended[ev.Node] = true
		var chunks []stream.Chunk
		if t.streamed[ev.Node] {
			chunks = append(chunks, stream.Chunk{Type: stream.ChunkTextEnd, Node: ev.Node})
		}
		return append(chunks, stream.Chunk{
			Type:    stream.ChunkStatus,
			Message: fmt.Sprintf("completed %s", ev.Node),
			Node:    ev.Node,
		})

	case graph.RawGraphEnd:
		if ev.Final != nil && ev.Final.AwaitingHumanInput {
			return []stream.Chunk{placeholderInterrupt(ev.Final)}
		}
		var data any
		if ev.Final != nil {
			data = ev.Final
		}
		return []stream.Chunk{{Type: stream.ChunkDone, Data: data}}

	case graph.RawError:
		msg := "graph execution failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return []stream.Chunk{{Type: stream.ChunkError, Message: msg, Node: ev.Node}}
	}
	return nil
}

// placeholderInterrupt builds the blank-credential interrupt chunk from the
// awaiting state's input payload.
func placeholderInterrupt(final *state.GraphState) stream.Chunk {
	req := requestFromPayload(final.HumanInputPayload)
	kind := req.Kind
	if kind == "" {
		kind = stream.InputChoice
	}
	return stream.Chunk{
		Type:     stream.ChunkInterrupt,
		Node:     final.LastNode,
		Workflow: final.CurrentWorkflow,
		Input: &stream.InterruptInput{
			Kind:     kind,
			Multiple: req.Multiple,
			Question: req.Question,
			Options:  clientOptions(req.Options),
		},
	}
}

// requestFromPayload rebuilds the input request a pause recorded on the
// state, canonical option values included. Options survive both as typed
// maps and as the []any form a JSON round trip through a checkpoint yields.
func requestFromPayload(payload map[string]any) *graph.InputRequest {
	req := &graph.InputRequest{}
	if kind, ok := payload["kind"].(string); ok {
		req.Kind = stream.InputKind(kind)
	}
	if q, ok := payload["question"].(string); ok {
		req.Question = q
	}
	if m, ok := payload["multiple"].(bool); ok {
		req.Multiple = m
	}

	var raw []map[string]any
	switch v := payload["options"].(type) {
	case []map[string]any:
		raw = v
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				raw = append(raw, m)
			}
		}
	}
	for _, m := range raw {
		opt := graph.InputOption{Value: m["value"]}
		opt.ID, _ = m["id"].(string)
		opt.Label, _ = m["label"].(string)
		opt.Description, _ = m["description"].(string)
		req.Options = append(req.Options, opt)
	}
	return req
}
