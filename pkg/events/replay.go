package events

// ChatMessage is the subset of a conversation turn the client renders;
// IsToolResult marks turns that are internal tool-result payloads and must
// be excluded from session_restore.
type ChatMessage struct {
	Role         string
	Content      string
	IsToolResult bool
}

// BuildSessionRestore assembles the session_restore payload from recent
// chat history, keeping at most MaxReplayMessages non-tool-result entries.
func BuildSessionRestore(history []ChatMessage, currentPhase string, pendingToolCallID, pendingPhaseTransition, lastPanelType string, lastPanelData any, pipelineStatus string) SessionRestorePayload {
	filtered := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m.IsToolResult {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) > MaxReplayMessages {
		filtered = filtered[len(filtered)-MaxReplayMessages:]
	}

	msgs := make([]any, len(filtered))
	for i, m := range filtered {
		msgs[i] = map[string]any{"role": m.Role, "content": m.Content}
	}

	return SessionRestorePayload{
		Messages:               msgs,
		CurrentPhase:           currentPhase,
		PendingToolCallID:      pendingToolCallID,
		PendingPhaseTransition: pendingPhaseTransition,
		LastPanelType:          lastPanelType,
		LastPanelData:          lastPanelData,
		PipelineStatus:         pipelineStatus,
	}
}
