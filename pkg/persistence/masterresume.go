package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/resume-agent/pipeline/pkg/state"
)

// ErrNotFound is the sentinel the master-resume load path checks against;
// any other load error aborts the save entirely.
var ErrNotFound = errors.New("persistence: row not found")

// MasterResume is the durable row backing a user's accumulated resume
// evidence and approved sections across sessions.
type MasterResume struct {
	ID       string
	UserID   string
	Evidence []state.EvidenceItem
	Sections map[string]state.Section
}

// MaxEvidenceItems bounds the merged evidence list persisted per user.
const MaxEvidenceItems = 500

// LoadMasterResume loads the master resume row with the given id. A
// missing row surfaces as ErrNotFound; any other error (network,
// malformed JSON) is returned unwrapped-by-sentinel so the caller can
// distinguish "doesn't exist yet" from "can't tell right now".
func (s *Store) LoadMasterResume(ctx context.Context, id string) (*MasterResume, error) {
	const query = `SELECT id, user_id, evidence, sections FROM master_resumes WHERE id = $1`

	var (
		rowID, userID  string
		evidenceJSON   []byte
		sectionsJSON   []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(&rowID, &userID, &evidenceJSON, &sectionsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: load master resume: %w", err)
	}

	mr := &MasterResume{ID: rowID, UserID: userID}
	if err := json.Unmarshal(evidenceJSON, &mr.Evidence); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(sectionsJSON, &mr.Sections); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal sections: %w", err)
	}
	return mr, nil
}

// LoadDefaultMasterResume loads the most recently updated master resume
// for a user, used to project prior evidence into a new session's
// Strategist message. ErrNotFound means the user has no resume yet.
func (s *Store) LoadDefaultMasterResume(ctx context.Context, userID string) (*MasterResume, error) {
	const query = `
		SELECT id FROM master_resumes
		WHERE user_id = $1
		ORDER BY updated_at DESC LIMIT 1`
	var id string
	err := s.pool.QueryRow(ctx, query, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: load default master resume: %w", err)
	}
	return s.LoadMasterResume(ctx, id)
}

// SaveMasterResume implements the three-step master-resume save protocol:
//
//  1. If the session is already linked to an existing master resume, load
//     it; a load error other than ErrNotFound aborts the save entirely
//     (the existing row might be mid-write elsewhere — safer to skip than
//     clobber).
//  2. If a prior row was loaded, merge its evidence with the new evidence
//     and UPDATE by (id, user_id). A zero-row update (row deleted or user
//     mismatch underneath us) falls through to create instead of erroring.
//  3. Otherwise, atomically create a new row and link it back to the
//     session.
//
// Returns the id of the row that now holds the merged resume.
func (s *Store) SaveMasterResume(ctx context.Context, sessionID, userID, linkedMasterResumeID string, newEvidence []state.EvidenceItem, sections map[string]state.Section) (string, error) {
	var existing *MasterResume

	if linkedMasterResumeID != "" {
		mr, err := s.LoadMasterResume(ctx, linkedMasterResumeID)
		switch {
		case errors.Is(err, ErrNotFound):
			existing = nil
		case err != nil:
			return "", fmt.Errorf("persistence: save master resume: skip, load failed: %w", err)
		default:
			existing = mr
		}
	}

	if existing != nil {
		merged := MergeEvidence(existing.Evidence, newEvidence)
		evidenceJSON, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("persistence: marshal evidence: %w", err)
		}
		sectionsJSON, err := json.Marshal(sections)
		if err != nil {
			return "", fmt.Errorf("persistence: marshal sections: %w", err)
		}

		const update = `
			UPDATE master_resumes SET evidence = $3, sections = $4, updated_at = now()
			WHERE id = $1 AND user_id = $2`
		tag, err := s.pool.Exec(ctx, update, existing.ID, userID, evidenceJSON, sectionsJSON)
		if err != nil {
			return "", fmt.Errorf("persistence: update master resume: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return existing.ID, nil
		}
		// Zero rows updated: fall through to create.
	}

	newID := uuid.NewString()
	evidenceJSON, err := json.Marshal(newEvidence)
	if err != nil {
		return "", fmt.Errorf("persistence: marshal evidence: %w", err)
	}
	sectionsJSON, err := json.Marshal(sections)
	if err != nil {
		return "", fmt.Errorf("persistence: marshal sections: %w", err)
	}

	const insert = `
		INSERT INTO master_resumes (id, user_id, evidence, sections)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, insert, newID, userID, evidenceJSON, sectionsJSON); err != nil {
		return "", fmt.Errorf("persistence: create master resume: %w", err)
	}
	if err := s.LinkMasterResume(ctx, sessionID, newID); err != nil {
		return "", fmt.Errorf("persistence: link new master resume: %w", err)
	}
	return newID, nil
}

// evidenceKey is the dedup key decided for merging evidence across
// sessions: category plus a normalized prefix of the text, so near-
// duplicate phrasing of the same fact collapses to one entry.
type evidenceKey struct {
	category string
	prefix   string
}

const evidenceKeyPrefixLen = 40

func keyFor(e state.EvidenceItem) evidenceKey {
	normalized := strings.ToLower(strings.TrimSpace(e.Text))
	if len(normalized) > evidenceKeyPrefixLen {
		normalized = normalized[:evidenceKeyPrefixLen]
	}
	return evidenceKey{category: e.Category, prefix: normalized}
}

// MergeEvidence combines existing and incoming evidence, keeping the most
// recently created item for each (category, normalized-text-prefix) key
// and capping the result at MaxEvidenceItems (oldest dropped first).
func MergeEvidence(existing, incoming []state.EvidenceItem) []state.EvidenceItem {
	byKey := make(map[evidenceKey]state.EvidenceItem, len(existing)+len(incoming))

	add := func(e state.EvidenceItem) {
		k := keyFor(e)
		if cur, ok := byKey[k]; !ok || e.CreatedAt.After(cur.CreatedAt) {
			byKey[k] = e
		}
	}
	for _, e := range existing {
		add(e)
	}
	for _, e := range incoming {
		add(e)
	}

	merged := make([]state.EvidenceItem, 0, len(byKey))
	for _, e := range byKey {
		merged = append(merged, e)
	}
	sortEvidenceByCreatedAtDesc(merged)

	if len(merged) > MaxEvidenceItems {
		merged = merged[:MaxEvidenceItems]
	}
	return merged
}

func sortEvidenceByCreatedAtDesc(items []state.EvidenceItem) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].CreatedAt.Before(items[j].CreatedAt) {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}
