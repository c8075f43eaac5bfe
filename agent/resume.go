package agent

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/graph"
	"github.com/BaSui01/agentrun/pending"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/stream"
)

// ResumeMeta is the normalized resume request carried in a message's
// metadata.
type ResumeMeta struct {
	Token     string
	RequestID string
	Selected  []string
	Cancel    bool
}

// ParseResumeMeta extracts resume metadata from a message. It accepts the
// canonical {resume:{token, requestId, selected}} shape plus the legacy
// {choice:{id}} and {choices:[{id}]} selection forms, normalizing the
// selection to a string slice. It returns nil — meaning "not a resume" —
// when token or requestId is missing, or when there is neither a selection
// nor a cancel flag.
func ParseResumeMeta(msg state.Message) *ResumeMeta {
	raw, ok := msg.Metadata["resume"].(map[string]any)
	if !ok {
		return nil
	}

	token, _ := raw["token"].(string)
	requestID, _ := raw["requestId"].(string)
	if token == "" || requestID == "" {
		return nil
	}

	meta := &ResumeMeta{Token: token, RequestID: requestID}
	if cancel, ok := raw["cancel"].(bool); ok {
		meta.Cancel = cancel
	}
	meta.Selected = normalizeSelection(raw)

	if len(meta.Selected) == 0 && !meta.Cancel {
		return nil
	}
	return meta
}

func normalizeSelection(raw map[string]any) []string {
	switch sel := raw["selected"].(type) {
	case string:
		if sel != "" {
			return []string{sel}
		}
	case []string:
		return sel
	case []any:
		var out []string
		for _, v := range sel {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}

	if choice, ok := raw["choice"].(map[string]any); ok {
		if id, ok := choice["id"].(string); ok && id != "" {
			return []string{id}
		}
	}
	if choices, ok := raw["choices"].([]any); ok {
		var out []string
		for _, c := range choices {
			if m, ok := c.(map[string]any); ok {
				if id, ok := m["id"].(string); ok && id != "" {
					out = append(out, id)
				}
			}
		}
		return out
	}
	return nil
}

// TryPrepareResumeStream turns a message carrying resume metadata into a
// continuing chunk stream for the paused run. It returns nil when the
// message is not a resume, when the token is unknown or expired, when the
// request id does not match, or when the resume is a cancellation — every
// failure falls through silently to the caller's fresh-run path.
func (a *Agent) TryPrepareResumeStream(ctx context.Context, lastMessage state.Message, sessionID string, config map[string]any) <-chan stream.Chunk {
	meta := ParseResumeMeta(lastMessage)
	if meta == nil {
		return nil
	}
	logger := a.logger.With(zap.String("session_id", sessionID), zap.String("token", meta.Token))

	rec, err := a.adapter.Pending.Get(ctx, meta.Token)
	if err != nil {
		if !errors.Is(err, pending.ErrNotFound) {
			logger.Warn("pending request lookup failed", zap.Error(err))
			a.metrics.StoreFailure("pending_get")
		} else {
			logger.Info("resume token unknown or expired, starting fresh run")
		}
		a.metrics.ResumeAttempt("invalid")
		return nil
	}
	if rec.RequestID != meta.RequestID {
		logger.Info("resume request id mismatch, starting fresh run",
			zap.String("expected", rec.RequestID),
			zap.String("got", meta.RequestID),
		)
		a.metrics.ResumeAttempt("invalid")
		return nil
	}

	if meta.Cancel {
		if err := a.adapter.Pending.Delete(ctx, meta.Token); err != nil {
			logger.Warn("pending request delete failed", zap.Error(err))
			a.metrics.StoreFailure("pending_delete")
		}
		a.metrics.ResumeAttempt("cancelled")
		return nil
	}

	patch := a.applySelection(rec, meta.Selected)
	st := reconstructState(rec, config, patch)

	// Single-use: the record is consumed the moment a valid resume starts.
	if err := a.adapter.Pending.Delete(ctx, meta.Token); err != nil {
		logger.Warn("pending request delete failed", zap.Error(err))
		a.metrics.StoreFailure("pending_delete")
	}
	a.metrics.ResumeAttempt("resumed")

	// The same run id continues the same checkpoint lineage; minting a new
	// one would orphan the paused graph.
	return a.Run(ctx, RunParams{
		SessionID: sessionID,
		RunID:     rec.RunID,
		State:     st,
		Resume: &graph.ResumeCommand{
			Value:  resumeValue(rec, meta.Selected),
			Update: patch,
		},
	})
}

// reconstructState rebuilds the graph state a resumed run continues from:
// the pending snapshot's data merged with the selection patch, pause flags
// cleared.
func reconstructState(rec *pending.Record, config, patch map[string]any) *state.GraphState {
	var snapshot state.GraphState
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &snapshot); err != nil {
			snapshot = state.GraphState{}
		}
	}

	st := &snapshot
	st.Input = nil
	st.LastNode = rec.Node
	if st.LastNode == "" {
		st.LastNode = state.StartNode
	}
	st.CurrentWorkflow = rec.Workflow
	if config != nil {
		st.Config = config
	}
	st.Data = state.DeepMerge(st.Data, patch)
	st.AwaitingHumanInput = false
	st.HumanInputPayload = nil
	if st.ConversationHistory == nil {
		st.ConversationHistory = []state.HistoryEntry{}
	}
	return st
}

// resumeValue is what the paused node receives from AwaitInput: the full
// value list for multi-choice questions, the first value otherwise.
func resumeValue(rec *pending.Record, selected []string) any {
	if len(selected) == 0 {
		return nil
	}
	if rec.Schema.Kind == string(stream.InputMultiChoice) || rec.Schema.Multiple {
		values := make([]any, len(selected))
		for i, id := range selected {
			values[i] = resolveOptionValue(rec, id)
		}
		return values
	}
	return resolveOptionValue(rec, selected[0])
}
