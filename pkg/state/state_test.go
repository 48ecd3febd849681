package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvidenceItem_DiscardsShortText(t *testing.T) {
	_, ok := NewEvidenceItem("too short", EvidenceSourceInterview, "impact", "sess-1", time.Now())
	assert.False(t, ok)
}

func TestNewEvidenceItem_TruncatesAtWordBoundary(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "word "
	}
	item, ok := NewEvidenceItem(long, EvidenceSourceCrafted, "leadership", "sess-1", time.Now())
	require.True(t, ok)
	assert.LessOrEqual(t, len(item.Text), MaxEvidenceTextLen)
	assert.NotEqual(t, byte(' '), item.Text[len(item.Text)-1])
}

func TestState_AdvanceStage_MonotonicOrder(t *testing.T) {
	s := New("sess-1", "user-1", Preferences{WorkflowMode: WorkflowBalanced})
	require.NoError(t, s.AdvanceStage(StagePositioning))
	require.NoError(t, s.AdvanceStage(StageResearch))
	err := s.AdvanceStage(StageIntake)
	assert.Error(t, err)
}

func TestState_AdvanceStage_RevisionRoundTrip(t *testing.T) {
	s := New("sess-1", "user-1", Preferences{})
	s.CurrentStage = StageQualityReview
	require.NoError(t, s.AdvanceStage(StageRevision))
	assert.Equal(t, StageRevision, s.CurrentStage)
	require.NoError(t, s.AdvanceStage(StageQualityReview))
	assert.Equal(t, StageQualityReview, s.CurrentStage)

	s.CurrentStage = StageIntake
	err := s.AdvanceStage(StageRevision)
	assert.Error(t, err, "revision is only reachable from quality_review")
}

func TestState_ApproveSection_RequiresWrittenSection(t *testing.T) {
	s := New("sess-1", "user-1", Preferences{})
	err := s.ApproveSection("summary")
	assert.Error(t, err)

	require.NoError(t, s.SetSection("summary", Section{Content: "x"}))
	require.NoError(t, s.ApproveSection("summary"))
	assert.True(t, s.IsApproved("summary"))
}

func TestState_SetSection_RejectsApprovedOverwrite(t *testing.T) {
	s := New("sess-1", "user-1", Preferences{})
	require.NoError(t, s.SetSection("summary", Section{Content: "v1"}))
	require.NoError(t, s.ApproveSection("summary"))

	err := s.SetSection("summary", Section{Content: "v2"})
	assert.Error(t, err)
}

func TestState_IncrementRevisionCount_EnforcesCap(t *testing.T) {
	s := New("sess-1", "user-1", Preferences{})
	for i := 0; i < MaxRevisionRounds; i++ {
		require.NoError(t, s.IncrementRevisionCount("summary"))
	}
	err := s.IncrementRevisionCount("summary")
	assert.Error(t, err)
	assert.Equal(t, MaxRevisionRounds, s.RevisionCount("summary"))
}

func TestState_AddTokenUsage_RejectsNegative(t *testing.T) {
	s := New("sess-1", "user-1", Preferences{})
	require.NoError(t, s.AddTokenUsage(100, 50))
	require.NoError(t, s.AddTokenUsage(10, 5))
	assert.Equal(t, int64(110), s.TokenUsage.InputTokens)
	assert.Equal(t, int64(55), s.TokenUsage.OutputTokens)

	err := s.AddTokenUsage(-1, 0)
	assert.Error(t, err)
}

func TestState_Snapshot_IsIndependentCopy(t *testing.T) {
	s := New("sess-1", "user-1", Preferences{})
	require.NoError(t, s.SetSection("summary", Section{Content: "v1"}))

	snap := s.Snapshot()
	snap.Sections["summary"] = Section{Content: "mutated"}

	assert.Equal(t, "v1", s.Sections["summary"].Content)
}
