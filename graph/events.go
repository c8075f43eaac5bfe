// Package graph defines the contract between the orchestration core and a
// graph execution engine: the handle used to drive one graph run, the raw
// lifecycle event stream it produces, and the closed union of node-level
// emissions bridged into the client chunk stream.
package graph

import (
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/stream"
)

// EmitKind discriminates node-level emissions delivered through the sink.
type EmitKind string

const (
	EmitStatus         EmitKind = "status"
	EmitTextStart      EmitKind = "text-start"
	EmitTextDelta      EmitKind = "text-delta"
	EmitTextEnd        EmitKind = "text-end"
	EmitMessage        EmitKind = "message"
	EmitStructuredData EmitKind = "structured_data"
	EmitTransition     EmitKind = "transition"
	EmitInterrupt      EmitKind = "interrupt"
	EmitError          EmitKind = "error"
)

// InputOption is one selectable answer, including the server-side canonical
// value applied when the option is picked. The value never reaches clients.
type InputOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Value       any    `json:"value,omitempty"`
}

// InputRequest describes the human input a node is pausing for.
type InputRequest struct {
	Kind     stream.InputKind `json:"kind,omitempty"`
	Multiple bool             `json:"multiple,omitempty"`
	Question string           `json:"question,omitempty"`
	Options  []InputOption    `json:"options,omitempty"`
}

// Emit is one node-level emission. Exactly the fields relevant to Kind are
// set; the orchestrator switches on Kind and translates each emission into
// at most one outward chunk.
type Emit struct {
	Kind     EmitKind
	Node     string
	Workflow string

	// status / error
	Message string

	// text-delta
	Delta string

	// message
	Content string

	// structured_data
	DataType string
	Data     any

	// transition
	TransitionTo string
	Payload      map[string]any

	// interrupt
	Input *InputRequest
}

// Sink receives node-level emissions while a graph run is in flight. It may
// be called from the engine's goroutine concurrently with raw event
// consumption.
type Sink func(Emit)

// RawEventKind discriminates engine lifecycle events.
type RawEventKind string

const (
	RawNodeStart  RawEventKind = "node-start"
	RawNodeEnd    RawEventKind = "node-end"
	RawModelDelta RawEventKind = "model-delta"
	RawGraphEnd   RawEventKind = "graph-end"
	RawError      RawEventKind = "error"
)

// RawEvent is one engine lifecycle event, consumed through the event
// transformer. Engines may repeat node start/end signals; the transformer
// collapses duplicates.
type RawEvent struct {
	Kind RawEventKind
	Node string

	// model-delta
	Delta string

	// node-end
	Output any

	// graph-end
	Final *state.GraphState

	// error
	Err error
}
