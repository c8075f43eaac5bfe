// Package state defines the graph execution state threaded through every
// node call, the durable memory envelope merged across node executions, and
// the deep-merge semantics both rely on.
package state

import (
	"errors"
	"time"
)

// StartNode is the sentinel node name a fresh (or resumed) run starts from.
const StartNode = "__start__"

// ErrNoWorkflow is returned when neither the memory envelope nor the caller
// provides a workflow to start from.
var ErrNoWorkflow = errors.New("no workflow selected")

// Message is a single conversation message. It doubles as the chat request
// message shape at the HTTP boundary.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// TokenUsage tracks token accounting across a run.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// MemoryEnvelope is the durable slice of state carried between node
// executions and across runs. It is merged, never replaced.
type MemoryEnvelope struct {
	// CurrentWorkflow overrides the workflow the next run starts with.
	CurrentWorkflow string `json:"currentWorkflow,omitempty"`

	// Flags holds arbitrary per-session booleans and small values.
	Flags map[string]any `json:"flags,omitempty"`

	// ToolResults holds the most recent tool output payload.
	ToolResults any `json:"toolResults,omitempty"`

	// TokenUsage accumulates token counts across node executions.
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`

	// ConversationMessages are the prior messages of the conversation.
	ConversationMessages []Message `json:"conversationMessages,omitempty"`
}

// HistoryEntry is one node output shown to the user. The conversation
// history is append-only.
type HistoryEntry struct {
	Node      string `json:"node"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// UIState is presentation sub-state reset on every workflow handoff.
type UIState struct {
	Message    string         `json:"message,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
}

// RunError captures the last node-level error for diagnostics.
type RunError struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
}

// GraphState is the execution state threaded through every node call.
//
// Lifecycle: created fresh per incoming request (or reconstructed from a
// pending-request snapshot on resume); discarded when a run finishes
// normally; persisted as a checkpoint plus pending-request snapshot when
// paused for human input.
type GraphState struct {
	Input               any            `json:"input"`
	LastNode            string         `json:"lastNode"`
	CurrentWorkflow     string         `json:"currentWorkflow"`
	Config              map[string]any `json:"config,omitempty"`
	StartedAt           int64          `json:"startedAt,omitempty"`
	UpdatedAt           int64          `json:"updatedAt,omitempty"`
	Memory              MemoryEnvelope `json:"memory"`
	TransitionTo        string         `json:"transitionTo,omitempty"`
	RetryCount          int            `json:"retryCount,omitempty"`
	AwaitingHumanInput  bool           `json:"awaitingHumanInput"`
	HumanInputPayload   map[string]any `json:"humanInputPayload,omitempty"`
	Data                map[string]any `json:"data,omitempty"`
	UI                  *UIState       `json:"ui,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversationHistory"`
	LastCondition       string         `json:"lastCondition,omitempty"`
	LastIntent          string         `json:"lastIntent,omitempty"`
	LastError           *RunError      `json:"lastError,omitempty"`
}

// InitialStateArgs configures BuildInitialState.
type InitialStateArgs struct {
	Input             any
	Memory            MemoryEnvelope
	Config            map[string]any
	DefaultWorkflowID string
}

// BuildInitialState prepares the initial graph state for a fresh run. The
// workflow comes from the memory envelope when set, otherwise from
// DefaultWorkflowID; having neither is an error surfaced before any graph
// execution starts.
func BuildInitialState(args InitialStateArgs) (*GraphState, error) {
	workflow := args.Memory.CurrentWorkflow
	if workflow == "" {
		workflow = args.DefaultWorkflowID
	}
	if workflow == "" {
		return nil, ErrNoWorkflow
	}

	return &GraphState{
		Input:               args.Input,
		LastNode:            StartNode,
		CurrentWorkflow:     workflow,
		Config:              args.Config,
		StartedAt:           time.Now().UnixMilli(),
		Memory:              args.Memory,
		AwaitingHumanInput:  false,
		ConversationHistory: []HistoryEntry{},
	}, nil
}

// Update is a partial state contribution produced by one node execution.
// Data and Memory are deep-merged into the current state; History entries
// are appended; the remaining fields overwrite when non-zero.
type Update struct {
	Data          map[string]any
	Memory        *MemoryEnvelope
	History       []HistoryEntry
	Input         any
	Condition     string
	Intent        string
	TransitionTo  string
	UIMessage     string
	UIStructured  map[string]any
	AwaitingInput bool
	InputPayload  map[string]any
}

// Apply folds a node update into the state in place, honoring the merge
// invariant: data and memory are extended or overwritten key-by-key, never
// dropped.
func (s *GraphState) Apply(node string, u Update) {
	s.LastNode = node
	s.UpdatedAt = time.Now().UnixMilli()

	if u.Data != nil {
		s.Data = DeepMerge(s.Data, u.Data)
	}
	if u.Memory != nil {
		s.Memory = MergeMemory(s.Memory, *u.Memory)
	}
	if len(u.History) > 0 {
		s.ConversationHistory = append(s.ConversationHistory, u.History...)
	}
	if u.Input != nil {
		s.Input = u.Input
	}
	if u.Condition != "" {
		s.LastCondition = u.Condition
	}
	if u.Intent != "" {
		s.LastIntent = u.Intent
	}
	if u.TransitionTo != "" {
		s.TransitionTo = u.TransitionTo
	}
	if u.UIMessage != "" || u.UIStructured != nil {
		if s.UI == nil {
			s.UI = &UIState{}
		}
		if u.UIMessage != "" {
			s.UI.Message = u.UIMessage
		}
		if u.UIStructured != nil {
			s.UI.Structured = DeepMerge(s.UI.Structured, u.UIStructured)
		}
	}
	if u.AwaitingInput {
		s.AwaitingHumanInput = true
		s.HumanInputPayload = u.InputPayload
	}
}

// Clone returns a deep copy of the state. Maps are copied recursively so a
// snapshot stored in a pending-request record cannot be mutated by the
// continuing run.
func (s *GraphState) Clone() *GraphState {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Config = cloneMap(s.Config)
	dup.Data = cloneMap(s.Data)
	dup.HumanInputPayload = cloneMap(s.HumanInputPayload)
	dup.Memory = s.Memory.clone()
	if s.UI != nil {
		ui := *s.UI
		ui.Structured = cloneMap(s.UI.Structured)
		dup.UI = &ui
	}
	if s.ConversationHistory != nil {
		dup.ConversationHistory = append([]HistoryEntry(nil), s.ConversationHistory...)
	}
	if s.LastError != nil {
		e := *s.LastError
		dup.LastError = &e
	}
	return &dup
}

func (m MemoryEnvelope) clone() MemoryEnvelope {
	dup := m
	dup.Flags = cloneMap(m.Flags)
	if m.TokenUsage != nil {
		u := *m.TokenUsage
		dup.TokenUsage = &u
	}
	if m.ConversationMessages != nil {
		dup.ConversationMessages = append([]Message(nil), m.ConversationMessages...)
	}
	return dup
}
