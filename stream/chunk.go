// Package stream defines the wire-level chunk union emitted to clients, a
// bounded back-pressured writer producing an ordered single-consumer chunk
// stream, and the SSE transport that serializes it over HTTP.
package stream

// ChunkType discriminates the closed set of chunk kinds.
type ChunkType string

const (
	ChunkSession        ChunkType = "session"
	ChunkStatus         ChunkType = "status"
	ChunkMessage        ChunkType = "message"
	ChunkTextStart      ChunkType = "text-start"
	ChunkTextDelta      ChunkType = "text-delta"
	ChunkTextEnd        ChunkType = "text-end"
	ChunkStructuredData ChunkType = "structured-data"
	ChunkInterrupt      ChunkType = "interrupt"
	ChunkTransition     ChunkType = "transition"
	ChunkDone           ChunkType = "done"
	ChunkError          ChunkType = "error"
)

// InputKind classifies what a paused node expects back from the human.
type InputKind string

const (
	InputText        InputKind = "text"
	InputChoice      InputKind = "choice"
	InputMultiChoice InputKind = "multi-choice"
)

// InputOption is one selectable answer presented to the client. The
// server-side canonical value is stripped before options reach the wire.
type InputOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// InterruptInput is the client-facing descriptor of a pending question.
// For InputText the question is optional and options are omitted; for the
// choice kinds the question is required and options carry the answers.
type InterruptInput struct {
	Kind     InputKind     `json:"kind"`
	Multiple bool          `json:"multiple"`
	Question string        `json:"question,omitempty"`
	Options  []InputOption `json:"options,omitempty"`
}

// Chunk is the wire-level union of client-facing events, discriminated by
// Type. Unused fields stay zero and are omitted from the serialized form.
//
// Every chunk stream is terminated by exactly one ChunkDone (or one
// ChunkError immediately followed by ChunkDone); nothing is emitted after
// termination.
type Chunk struct {
	Type ChunkType `json:"type"`

	// session
	SessionID string `json:"sessionId,omitempty"`

	// status / error
	Message string `json:"message,omitempty"`

	// message
	Content string `json:"content,omitempty"`

	// text-start / text-delta / text-end / structured-data / interrupt
	Node      string `json:"node,omitempty"`
	ID        string `json:"id,omitempty"`
	OpID      string `json:"opId,omitempty"`
	SegmentID string `json:"segmentId,omitempty"`
	Delta     string `json:"delta,omitempty"`

	// structured-data
	DataType      string `json:"dataType,omitempty"`
	Mode          string `json:"mode,omitempty"`
	SchemaID      string `json:"schemaId,omitempty"`
	SchemaVersion string `json:"schemaVersion,omitempty"`

	// interrupt
	RequestID   string          `json:"requestId,omitempty"`
	ResumeToken string          `json:"resumeToken,omitempty"`
	Workflow    string          `json:"workflow,omitempty"`
	Input       *InterruptInput `json:"input,omitempty"`

	// transition
	TransitionTo string         `json:"transitionTo,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`

	// done / structured-data
	Data any `json:"data,omitempty"`
}

// Terminal reports whether the chunk ends the stream.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkDone
}
