package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SavePositioningProfile upserts the Strategist's positioning output,
// keyed by user so a later session reuses the freshest profile.
func (s *Store) SavePositioningProfile(ctx context.Context, userID string, profile map[string]any) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("persistence: marshal positioning profile: %w", err)
	}

	const query = `
		INSERT INTO positioning_profiles (user_id, profile, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET profile = $2, updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, userID, payload); err != nil {
		return fmt.Errorf("persistence: save positioning profile: %w", err)
	}
	return nil
}

// LoadPositioningProfile returns the most recently saved positioning
// profile for userID, or ErrNotFound if none exists.
func (s *Store) LoadPositioningProfile(ctx context.Context, userID string) (map[string]any, error) {
	const query = `SELECT profile FROM positioning_profiles WHERE user_id = $1`
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persistence: load positioning profile: %w", err)
	}
	var profile map[string]any
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal positioning profile: %w", err)
	}
	return profile, nil
}

// SaveWorkflowArtifact appends an artifact row and upserts its current-
// status projection.
func (s *Store) SaveWorkflowArtifact(ctx context.Context, sessionID, artifactType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persistence: marshal workflow artifact: %w", err)
	}

	const insert = `
		INSERT INTO workflow_artifacts (session_id, artifact_type, payload)
		VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, insert, sessionID, artifactType, data); err != nil {
		return fmt.Errorf("persistence: insert workflow artifact: %w", err)
	}

	const upsertStatus = `
		INSERT INTO workflow_artifact_status (session_id, artifact_type, payload, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id) DO UPDATE SET artifact_type = $2, payload = $3, updated_at = now()`
	if _, err := s.pool.Exec(ctx, upsertStatus, sessionID, artifactType, data); err != nil {
		return fmt.Errorf("persistence: upsert workflow artifact status: %w", err)
	}
	return nil
}

// LoadLatestWorkflowArtifact returns the most recent payload of the given
// type recorded for sessionID (e.g. "pipeline_start_request" for restart).
func (s *Store) LoadLatestWorkflowArtifact(ctx context.Context, sessionID, artifactType string) (map[string]any, error) {
	const query = `
		SELECT payload FROM workflow_artifacts
		WHERE session_id = $1 AND artifact_type = $2
		ORDER BY created_at DESC LIMIT 1`
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, sessionID, artifactType).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persistence: load workflow artifact: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal workflow artifact: %w", err)
	}
	return payload, nil
}

// PendingGatePayload loads a session's raw pending-gate payload map,
// parsed the way pkg/gate.Parse tolerates (an empty map for anything that
// isn't a JSON object).
func (s *Store) PendingGatePayload(ctx context.Context, sessionID string) (map[string]any, error) {
	const query = `SELECT pending_gate_payload FROM sessions WHERE id = $1`
	var raw []byte
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persistence: load pending gate payload: %w", err)
	}
	var payload map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal pending gate payload: %w", err)
		}
	}
	return payload, nil
}

// AnswerPendingGate persists payload only if the session's currently
// stored descriptor still names expectedGate — the optimistic conditional
// update that makes concurrent responses to the same gate idempotent.
// Returns false when the guard did
// not match (the gate moved on or was already consumed).
func (s *Store) AnswerPendingGate(ctx context.Context, sessionID, expectedGate string, payload map[string]any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("persistence: marshal gate answer: %w", err)
	}
	const query = `
		UPDATE sessions SET pending_gate_payload = $2, updated_at = now()
		WHERE id = $1 AND pending_gate_payload->'current_gate'->>'gate' = $3`
	tag, err := s.pool.Exec(ctx, query, sessionID, data, expectedGate)
	if err != nil {
		return false, fmt.Errorf("persistence: answer pending gate: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SavePendingGatePayload persists the pending-gate payload for sessionID.
func (s *Store) SavePendingGatePayload(ctx context.Context, sessionID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("persistence: marshal pending gate payload: %w", err)
	}
	const query = `UPDATE sessions SET pending_gate_payload = $2, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, sessionID, data)
	if err != nil {
		return fmt.Errorf("persistence: save pending gate payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persistence: save pending gate payload: no row for session %s", sessionID)
	}
	return nil
}
