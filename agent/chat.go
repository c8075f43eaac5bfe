package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/stream"
)

// ErrInvalidRequest marks chat requests rejected before any orchestration
// starts; HTTP maps it to a 400.
var ErrInvalidRequest = errors.New("invalid request")

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// ChatRequest is the chat entry point body. WorkflowID, when present,
// overrides the session's current workflow; an explicitly empty value
// clears the override so the default workflow applies.
type ChatRequest struct {
	SessionID  string          `json:"sessionId"`
	WorkflowID *string         `json:"workflowId,omitempty"`
	Config     map[string]any  `json:"config,omitempty"`
	Messages   []state.Message `json:"messages"`
}

// Validate rejects malformed bodies without entering the orchestrator.
func (req *ChatRequest) Validate() error {
	if req.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must be a non-empty array", ErrInvalidRequest)
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("%w: messages[%d] has invalid role %q", ErrInvalidRequest, i, msg.Role)
		}
	}
	return nil
}

// ProcessChat turns one chat request into a chunk stream: resume when the
// last message carries valid resume metadata, a fresh run otherwise.
func (a *Agent) ProcessChat(ctx context.Context, req *ChatRequest) (<-chan stream.Chunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	last := req.Messages[len(req.Messages)-1]

	// A valid resume continues the paused run; the workflow override is
	// deliberately ignored on this path.
	if chunks := a.TryPrepareResumeStream(ctx, last, req.SessionID, req.Config); chunks != nil {
		return chunks, nil
	}

	memory := state.MemoryEnvelope{}
	if len(req.Messages) > 1 {
		memory.ConversationMessages = req.Messages[:len(req.Messages)-1]
	}
	if req.WorkflowID != nil {
		memory.CurrentWorkflow = *req.WorkflowID
	}

	st, err := state.BuildInitialState(state.InitialStateArgs{
		Input:             last.Content,
		Memory:            memory,
		Config:            req.Config,
		DefaultWorkflowID: a.defaultWorkflowID,
	})
	if err != nil {
		if errors.Is(err, state.ErrNoWorkflow) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
		}
		return nil, err
	}

	return a.Run(ctx, RunParams{
		SessionID: req.SessionID,
		RunID:     "run_" + uuid.NewString(),
		State:     st,
	}), nil
}
