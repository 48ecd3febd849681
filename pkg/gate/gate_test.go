package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_NonObjectInputReturnsEmpty(t *testing.T) {
	assert.Equal(t, map[string]any{}, Parse("not an object"))
	assert.Equal(t, map[string]any{}, Parse(nil))
	assert.Equal(t, map[string]any{}, Parse(42))
}

func TestIsAnswered(t *testing.T) {
	assert.False(t, IsAnswered(map[string]any{}))
	assert.True(t, IsAnswered(map[string]any{"responded_at": time.Now()}))
}

func TestGetResponseQueue_FoldsLegacySingleSlot(t *testing.T) {
	payload := map[string]any{
		"pending_gate":             "architect_review",
		"pending_gate_created_at":  time.Now(),
		"response":                 true,
		"some_other_field":         "kept elsewhere",
	}
	queue := GetResponseQueue(payload)
	require.Len(t, queue, 1)
	assert.Equal(t, "architect_review", queue[0].Gate)
	assert.Equal(t, true, queue[0].Response)
}

func TestGetResponseQueue_KeepsMostRecentPerGate(t *testing.T) {
	payload := map[string]any{
		"response_queue": []any{
			map[string]any{"gate": "questionnaire_1", "response": "first"},
			map[string]any{"gate": "questionnaire_1", "response": "second"},
		},
	}
	queue := GetResponseQueue(payload)
	require.Len(t, queue, 1)
	assert.Equal(t, "second", queue[0].Response)
}

func TestGetResponseQueue_EnforcesCountCap(t *testing.T) {
	items := make([]any, 0, MaxBufferedResponses+10)
	for i := 0; i < MaxBufferedResponses+10; i++ {
		items = append(items, map[string]any{
			"gate":     fmtGate(i),
			"response": "x",
		})
	}
	payload := map[string]any{"response_queue": items}
	queue := GetResponseQueue(payload)
	assert.LessOrEqual(t, len(queue), MaxBufferedResponses)
}

func TestGetResponseQueue_TruncatesOversizedItem(t *testing.T) {
	big := strings.Repeat("x", MaxBufferedResponseItemBytes+1000)
	payload := map[string]any{
		"response_queue": []any{
			map[string]any{"gate": "g1", "response": big},
		},
	}
	queue := GetResponseQueue(payload)
	require.Len(t, queue, 1)
	s, ok := queue[0].Response.(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(s, TruncationSuffix))
}

func TestGetResponseQueue_EnforcesTotalByteCap(t *testing.T) {
	chunk := strings.Repeat("y", 20*1024) // under per-item cap, large in aggregate
	items := make([]any, 0, 60)
	for i := 0; i < 60; i++ {
		items = append(items, map[string]any{"gate": fmtGate(i), "response": chunk})
	}
	payload := map[string]any{"response_queue": items}
	queue := GetResponseQueue(payload)
	assert.LessOrEqual(t, totalBytes(queue), MaxBufferedResponsesTotalBytes)
}

func TestWithResponseQueue_StripsLegacyFields(t *testing.T) {
	payload := map[string]any{
		"pending_gate": "architect_review",
		"response":     true,
		"responded_at": time.Now(),
		"unrelated":    "kept",
	}
	out := WithResponseQueue(payload, []Item{{Gate: "architect_review"}})

	_, hasPendingGate := out["pending_gate"]
	_, hasResponse := out["response"]
	_, hasRespondedAt := out["responded_at"]
	assert.False(t, hasPendingGate)
	assert.False(t, hasResponse)
	assert.False(t, hasRespondedAt)
	assert.Equal(t, "kept", out["unrelated"])
	assert.Len(t, out["response_queue"], 1)
}

func fmtGate(i int) string {
	return "gate_" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
