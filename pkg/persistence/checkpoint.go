package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/resume-agent/pipeline/pkg/state"
)

// Checkpoint is the durable subset of session state persisted after every
// message-processing turn. In-memory state remains authoritative;
// a checkpoint failure never blocks the pipeline, only surfaces a warning.
type Checkpoint struct {
	SessionID              string
	Messages                []state.AgentMessage
	CurrentStage            state.Stage
	PendingToolCallID       string
	PendingPhaseTransition  string
	LastPanelType           string
	LastPanelData           any
	PipelineStatus          string
	PendingGatePayload      map[string]any
}

// SaveCheckpoint best-effort upserts the durable fields of a session row.
// Callers are expected to treat a non-nil error as non-fatal: log it and
// emit a transparency/error event asking the client to retry.
func (s *Store) SaveCheckpoint(ctx context.Context, c Checkpoint) error {
	messagesJSON, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("persistence: marshal messages: %w", err)
	}
	panelDataJSON, err := json.Marshal(c.LastPanelData)
	if err != nil {
		return fmt.Errorf("persistence: marshal panel data: %w", err)
	}
	gatePayloadJSON, err := json.Marshal(c.PendingGatePayload)
	if err != nil {
		return fmt.Errorf("persistence: marshal gate payload: %w", err)
	}

	const query = `
		UPDATE sessions SET
			messages = $2,
			current_stage = $3,
			pending_tool_call_id = $4,
			pending_phase_transition = $5,
			last_panel_type = $6,
			last_panel_data = $7,
			pipeline_status = $8,
			pending_gate_payload = $9,
			updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		c.SessionID,
		messagesJSON,
		string(c.CurrentStage),
		c.PendingToolCallID,
		c.PendingPhaseTransition,
		c.LastPanelType,
		panelDataJSON,
		c.PipelineStatus,
		gatePayloadJSON,
	)
	if err != nil {
		return fmt.Errorf("persistence: checkpoint update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persistence: checkpoint update: no row for session %s", c.SessionID)
	}
	return nil
}

// CreateSession inserts the initial row for a brand-new session.
func (s *Store) CreateSession(ctx context.Context, sessionID, userID string) error {
	const query = `
		INSERT INTO sessions (id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query, sessionID, userID)
	if err != nil {
		return fmt.Errorf("persistence: create session: %w", err)
	}
	return nil
}

// LinkMasterResume records that a session is backed by a given master
// resume row, used after either the update or create-fallback path of
// SaveMasterResume resolves to a concrete id.
func (s *Store) LinkMasterResume(ctx context.Context, sessionID, masterResumeID string) error {
	const query = `UPDATE sessions SET master_resume_id = $2, updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, sessionID, masterResumeID)
	if err != nil {
		return fmt.Errorf("persistence: link master resume: %w", err)
	}
	return nil
}

// SessionMasterResumeID returns the master_resume_id linked to a session,
// or "" if the session has never been linked.
func (s *Store) SessionMasterResumeID(ctx context.Context, sessionID string) (string, error) {
	const query = `SELECT COALESCE(master_resume_id::text, '') FROM sessions WHERE id = $1`
	var id string
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&id); err != nil {
		return "", fmt.Errorf("persistence: lookup session master resume: %w", err)
	}
	return id, nil
}
