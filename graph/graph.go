package graph

import (
	"context"
	"errors"

	"github.com/BaSui01/agentrun/state"
)

// ErrAwaitingInput is returned by NodeContext.AwaitInput when no resume
// value is available: the node is requesting a pause for human input. The
// engine intercepts it; node code must propagate it unchanged.
var ErrAwaitingInput = errors.New("awaiting human input")

// ResumeCommand re-enters a paused graph run. Value carries the human's
// answer (a single value, or a slice for multi-choice); Update optionally
// merges a patch into the restored state before execution continues.
type ResumeCommand struct {
	Value  any
	Update map[string]any
}

// Invocation is the input to one graph execution: either a fresh initial
// state or a resume command continuing a paused run.
type Invocation struct {
	State  *state.GraphState
	Resume *ResumeCommand
}

// Options scope one graph execution to a checkpoint lineage and attach the
// node-level emission sink.
type Options struct {
	// ThreadID is the stable run identifier; shared across interrupt and
	// resume of the same logical execution.
	ThreadID string

	// Namespace distinguishes independent checkpoint lineages sharing a
	// thread id; typically the workflow id.
	Namespace string

	// Sink receives node-level emissions. May be nil.
	Sink Sink
}

// Handle is a compiled graph ready to run. StreamEvents drives the graph to
// completion or pause and returns the raw lifecycle event channel; the
// channel is closed when the execution yields. Engine-level failures
// surface as a RawError event before the close.
type Handle interface {
	StreamEvents(ctx context.Context, inv Invocation, opts Options) <-chan RawEvent
}

// NodeResult is what a node execution contributes: a state update plus an
// optional explicit next node (overriding the definition's edge).
type NodeResult struct {
	Update state.Update
	Next   string
	End    bool
}

// NodeContext carries the per-invocation capabilities a node may use. It is
// passed explicitly into every node call; there is no implicit task-local
// context.
type NodeContext struct {
	workflow string
	node     string
	sink     Sink

	resumeValue  any
	hasResume    bool
	pendingInput *InputRequest
}

// NewNodeContext builds the context for one node invocation. The resume
// value is only supplied to the node a run paused on.
func NewNodeContext(workflow, node string, sink Sink, resumeValue any, hasResume bool) *NodeContext {
	return &NodeContext{
		workflow:    workflow,
		node:        node,
		sink:        sink,
		resumeValue: resumeValue,
		hasResume:   hasResume,
	}
}

// Node returns the name of the executing node.
func (nc *NodeContext) Node() string { return nc.node }

// Workflow returns the id of the workflow the node belongs to.
func (nc *NodeContext) Workflow() string { return nc.workflow }

func (nc *NodeContext) emit(e Emit) {
	if nc.sink == nil {
		return
	}
	e.Node = nc.node
	e.Workflow = nc.workflow
	nc.sink(e)
}

// Status emits a progress status line.
func (nc *NodeContext) Status(message string) {
	nc.emit(Emit{Kind: EmitStatus, Message: message})
}

// Message emits a complete user-facing message.
func (nc *NodeContext) Message(content string) {
	nc.emit(Emit{Kind: EmitMessage, Content: content})
}

// TextStart opens a streamed text segment for this node.
func (nc *NodeContext) TextStart() {
	nc.emit(Emit{Kind: EmitTextStart})
}

// TextDelta streams one text fragment.
func (nc *NodeContext) TextDelta(delta string) {
	nc.emit(Emit{Kind: EmitTextDelta, Delta: delta})
}

// TextEnd closes the streamed text segment.
func (nc *NodeContext) TextEnd() {
	nc.emit(Emit{Kind: EmitTextEnd})
}

// StructuredData emits a typed structured payload.
func (nc *NodeContext) StructuredData(dataType string, data any) {
	nc.emit(Emit{Kind: EmitStructuredData, DataType: dataType, Data: data})
}

// Transition requests a handoff to another workflow once the current graph
// execution yields, carrying the payload forward into its data.
func (nc *NodeContext) Transition(to string, payload map[string]any) {
	nc.emit(Emit{Kind: EmitTransition, TransitionTo: to, Payload: payload})
}

// AwaitInput returns the resume value when the run is being resumed at this
// node; otherwise it records the request and returns ErrAwaitingInput, which
// the engine converts into a pause.
func (nc *NodeContext) AwaitInput(req InputRequest) (any, error) {
	if nc.hasResume {
		nc.hasResume = false
		return nc.resumeValue, nil
	}
	r := req
	nc.pendingInput = &r
	return nil, ErrAwaitingInput
}

// PendingInput returns the input request recorded by AwaitInput, if any.
func (nc *NodeContext) PendingInput() *InputRequest {
	return nc.pendingInput
}

// NodeFunc is one executable graph node.
type NodeFunc func(ctx context.Context, nc *NodeContext, st *state.GraphState) (*NodeResult, error)
