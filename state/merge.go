package state

// DeepMerge merges update into base and returns the result without mutating
// either input. Nested maps are merged recursively; slices and scalars are
// overwritten wholesale (array-overwrite semantics). A nil update returns a
// copy of base, so no earlier key is ever lost unless explicitly overwritten.
func DeepMerge(base, update map[string]any) map[string]any {
	if base == nil && update == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range update {
		if bm, ok := out[k].(map[string]any); ok {
			if um, ok := v.(map[string]any); ok {
				out[k] = DeepMerge(bm, um)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// MergeMemory merges a memory envelope update over the base envelope.
// Flags follow DeepMerge; conversation messages and tool results are
// overwritten when the update supplies them (array-overwrite); scalar
// fields overwrite when non-zero.
func MergeMemory(base, update MemoryEnvelope) MemoryEnvelope {
	out := base.clone()
	if update.CurrentWorkflow != "" {
		out.CurrentWorkflow = update.CurrentWorkflow
	}
	if update.Flags != nil {
		out.Flags = DeepMerge(out.Flags, update.Flags)
	}
	if update.ToolResults != nil {
		out.ToolResults = update.ToolResults
	}
	if update.TokenUsage != nil {
		u := *update.TokenUsage
		out.TokenUsage = &u
	}
	if update.ConversationMessages != nil {
		out.ConversationMessages = append([]Message(nil), update.ConversationMessages...)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
