package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/resume-agent/pipeline/pkg/state"
)

func evidence(text, category string, createdAt time.Time) state.EvidenceItem {
	e, ok := state.NewEvidenceItem(text, state.EvidenceSourceInterview, category, "session-1", createdAt)
	if !ok {
		panic("test evidence text too short")
	}
	return e
}

func TestMergeEvidence_KeepsMostRecentForSameKey(t *testing.T) {
	t0 := time.Now()
	older := evidence("Led migration of the billing service to Go", "experience", t0)
	newer := evidence("Led migration of the billing service to Go and cut latency 40%", "experience", t0.Add(time.Hour))

	merged := MergeEvidence([]state.EvidenceItem{older}, []state.EvidenceItem{newer})

	assert.Len(t, merged, 1)
	assert.Equal(t, newer.Text, merged[0].Text)
}

func TestMergeEvidence_DistinctCategoriesBothKept(t *testing.T) {
	t0 := time.Now()
	a := evidence("Built a distributed tracing pipeline", "experience", t0)
	b := evidence("Built a distributed tracing pipeline", "skills", t0)

	merged := MergeEvidence([]state.EvidenceItem{a}, []state.EvidenceItem{b})

	assert.Len(t, merged, 2)
}

func TestMergeEvidence_CapsAtMaxEvidenceItems(t *testing.T) {
	t0 := time.Now()
	var existing []state.EvidenceItem
	for i := 0; i < MaxEvidenceItems+10; i++ {
		existing = append(existing, evidence(distinctText(i), "experience", t0.Add(time.Duration(i)*time.Second)))
	}

	merged := MergeEvidence(existing, nil)

	assert.Len(t, merged, MaxEvidenceItems)
	// The cap keeps the most recent items, so the oldest (index 0) must be dropped.
	for _, e := range merged {
		assert.NotEqual(t, distinctText(0), e.Text)
	}
}

func TestMergeEvidence_EmptyInputsProduceEmptyResult(t *testing.T) {
	merged := MergeEvidence(nil, nil)
	assert.Empty(t, merged)
}

func distinctText(i int) string {
	digits := []byte{}
	n := i
	if n == 0 {
		digits = []byte{'0'}
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return "Shipped feature number " + string(digits) + " for the platform team"
}
