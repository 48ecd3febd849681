package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resume-agent/pipeline/pkg/state"
)

type fakeSink struct {
	transparency  []string
	revisionStart [][]Instruction
}

func (f *fakeSink) EmitTransparency(ctx context.Context, sessionID, message string) error {
	f.transparency = append(f.transparency, message)
	return nil
}

func (f *fakeSink) EmitRevisionStart(ctx context.Context, sessionID string, instructions []Instruction) error {
	f.revisionStart = append(f.revisionStart, instructions)
	return nil
}

func setupStateWithSection(t *testing.T, name string) *state.State {
	t.Helper()
	st := state.New("sess-1", "user-1", state.Preferences{})
	require.NoError(t, st.SetSection(name, state.Section{Content: "draft"}))
	return st
}

func TestRevisionHandler_DropsApprovedSections(t *testing.T) {
	st := setupStateWithSection(t, "summary")
	require.NoError(t, st.ApproveSection("summary"))

	sink := &fakeSink{}
	var invoked int
	h := NewRevisionHandler("sess-1", st, sink, func(ctx context.Context, message string) error {
		invoked++
		return nil
	})

	h.Handle(context.Background(), state.AgentMessage{
		From: "producer", To: "craftsman", Type: "request",
		Payload: map[string]any{
			"section":     "summary",
			"issue":       "too vague",
			"instruction": "add metrics",
		},
	})

	assert.Equal(t, 0, invoked)
	assert.Empty(t, sink.revisionStart)
}

func TestRevisionHandler_EnforcesCapAfterThreeRounds(t *testing.T) {
	st := setupStateWithSection(t, "summary")
	sink := &fakeSink{}
	var invocations int
	h := NewRevisionHandler("sess-1", st, sink, func(ctx context.Context, message string) error {
		invocations++
		return nil
	})

	req := func() {
		h.Handle(context.Background(), state.AgentMessage{
			From: "producer", To: "craftsman", Type: "request",
			Payload: map[string]any{
				"section":     "summary",
				"issue":       "weak",
				"instruction": "strengthen",
				"priority":    "high",
			},
		})
	}

	req()
	req()
	req()
	req() // 4th — should be capped

	assert.Equal(t, 3, invocations)
	assert.Equal(t, state.MaxRevisionRounds, st.RevisionCount("summary"))

	var capMessages int
	for _, m := range sink.transparency {
		if containsAll(m, "Revision cap", "summary") {
			capMessages++
		}
	}
	assert.Equal(t, 1, capMessages)
}

func TestRevisionHandler_BatchedForm_PartitionsRewritesAndRevisions(t *testing.T) {
	st := setupStateWithSection(t, "summary")
	require.NoError(t, st.SetSection("experience", state.Section{Content: "draft"}))

	sink := &fakeSink{}
	var gotMessage string
	h := NewRevisionHandler("sess-1", st, sink, func(ctx context.Context, message string) error {
		gotMessage = message
		return nil
	})

	h.Handle(context.Background(), state.AgentMessage{
		From: "producer", To: "craftsman", Type: "request",
		Payload: map[string]any{
			"revision_instructions": []any{
				map[string]any{
					"target_section": "summary",
					"issue":          "too long",
					"instruction":    "tighten",
					"severity":       "revision",
				},
				map[string]any{
					"target_section": "experience",
					"issue":          "missing metrics",
					"instruction":    "rewrite with quantified impact",
					"severity":       "rewrite",
				},
			},
		},
	})

	require.Len(t, sink.revisionStart, 1)
	assert.Len(t, sink.revisionStart[0], 2)
	assert.Contains(t, gotMessage, "write_section from scratch")
	assert.Contains(t, gotMessage, "experience")
	assert.Contains(t, gotMessage, "targeted changes")
	assert.Contains(t, gotMessage, "summary")
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
