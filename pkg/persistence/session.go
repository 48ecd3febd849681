package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/resume-agent/pipeline/pkg/events"
)

// sessionMessage mirrors events.ChatMessage for JSON round-tripping the
// messages column, which is stored as a JSONB array of agent messages.
type sessionMessage struct {
	Role         string `json:"role"`
	Content      string `json:"content"`
	IsToolResult bool   `json:"is_tool_result"`
}

// SessionUserID returns the owning user id for sessionID, or ErrNotFound
// if no such session exists — used by the API layer's ownership check
// before streaming or accepting a message for a session.
func (s *Store) SessionUserID(ctx context.Context, sessionID string) (string, error) {
	const query = `SELECT user_id FROM sessions WHERE id = $1`
	var userID string
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("persistence: lookup session user: %w", err)
	}
	return userID, nil
}

// TouchSession refreshes a session row's updated_at as a liveness marker.
// Called only from the heartbeat loop while the session is in the running
// set, so a finished run never produces a stale write.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	const query = `UPDATE sessions SET updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("persistence: touch session: %w", err)
	}
	return nil
}

// LoadSessionRestore reads the durable replay fields of a session row and
// assembles the reconnect-replay payload, delegating the ≤20-message /
// tool-result filtering to
// events.BuildSessionRestore.
func (s *Store) LoadSessionRestore(ctx context.Context, sessionID string) (events.SessionRestorePayload, error) {
	const query = `
		SELECT messages, current_stage, pending_tool_call_id, pending_phase_transition,
		       last_panel_type, last_panel_data, pipeline_status
		FROM sessions WHERE id = $1`

	var (
		messagesJSON  []byte
		currentStage  string
		toolCallID    string
		phaseTransition string
		panelType     string
		panelDataJSON []byte
		status        string
	)
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&messagesJSON, &currentStage, &toolCallID, &phaseTransition,
		&panelType, &panelDataJSON, &status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return events.SessionRestorePayload{}, ErrNotFound
		}
		return events.SessionRestorePayload{}, fmt.Errorf("persistence: load session restore: %w", err)
	}

	var raw []sessionMessage
	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &raw); err != nil {
			return events.SessionRestorePayload{}, fmt.Errorf("persistence: unmarshal session messages: %w", err)
		}
	}
	history := make([]events.ChatMessage, len(raw))
	for i, m := range raw {
		history[i] = events.ChatMessage{Role: m.Role, Content: m.Content, IsToolResult: m.IsToolResult}
	}

	var panelData any
	if len(panelDataJSON) > 0 {
		if err := json.Unmarshal(panelDataJSON, &panelData); err != nil {
			return events.SessionRestorePayload{}, fmt.Errorf("persistence: unmarshal last panel data: %w", err)
		}
	}

	return events.BuildSessionRestore(history, currentStage, toolCallID, phaseTransition, panelType, panelData, status), nil
}

// AppendSessionMessage appends one user-facing chat turn to a session's
// durable message history, used by the message-submission handler before
// dispatch so a reconnecting client sees the turn even if the pipeline
// has not yet produced a reply.
func (s *Store) AppendSessionMessage(ctx context.Context, sessionID string, msg events.ChatMessage) error {
	payload, err := json.Marshal([]sessionMessage{{Role: msg.Role, Content: msg.Content, IsToolResult: msg.IsToolResult}})
	if err != nil {
		return fmt.Errorf("persistence: marshal appended message: %w", err)
	}
	const query = `
		UPDATE sessions SET messages = messages || $2::jsonb, updated_at = now()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, sessionID, payload)
	if err != nil {
		return fmt.Errorf("persistence: append session message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persistence: append session message: no row for session %s", sessionID)
	}
	return nil
}
