package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store double keyed by session id.
type memStore struct {
	mu       sync.Mutex
	payloads map[string]map[string]any
}

func newMemStore() *memStore {
	return &memStore{payloads: make(map[string]map[string]any)}
}

func (m *memStore) PendingGatePayload(ctx context.Context, sessionID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payloads[sessionID], nil
}

func (m *memStore) SavePendingGatePayload(ctx context.Context, sessionID string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[sessionID] = payload
	return nil
}

func TestWaiter_BufferedResponseResolvesImmediately(t *testing.T) {
	store := newMemStore()
	store.payloads["sess-1"] = WithResponseQueue(map[string]any{}, []Item{
		{Gate: "architect_review", Response: map[string]any{"approved": true}},
	})

	w := NewWaiter(store, time.Hour)
	resp, err := w.Wait(context.Background(), "sess-1", "architect_review")
	require.NoError(t, err)
	assert.Equal(t, true, resp["approved"])

	// The buffered response is consumed exactly once.
	remaining := GetResponseQueue(Parse(store.payloads["sess-1"]))
	assert.Empty(t, remaining)
}

func TestWaiter_ResolvesWhenAnswerLandsAfterSuspend(t *testing.T) {
	store := newMemStore()
	store.payloads["sess-1"] = map[string]any{}
	w := NewWaiter(store, time.Hour)

	type result struct {
		resp map[string]any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := w.Wait(context.Background(), "sess-1", "section_review_summary")
		done <- result{resp, err}
	}()

	// Wait for the descriptor write, then answer the gate and notify.
	require.Eventually(t, func() bool {
		payload, _ := store.PendingGatePayload(context.Background(), "sess-1")
		return CurrentGate(Parse(payload)) == "section_review_summary"
	}, time.Second, 5*time.Millisecond)

	payload, _ := store.PendingGatePayload(context.Background(), "sess-1")
	answered := Answer(Parse(payload), map[string]any{"approved": true}, time.Now())
	require.NoError(t, store.SavePendingGatePayload(context.Background(), "sess-1", answered))
	w.Notify("sess-1")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, true, r.resp["approved"])
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not resolve after the gate was answered")
	}

	// The descriptor is cleared once consumed.
	final, _ := store.PendingGatePayload(context.Background(), "sess-1")
	assert.Empty(t, CurrentGate(Parse(final)))
}

func TestWaiter_CancelledContextUnblocks(t *testing.T) {
	store := newMemStore()
	store.payloads["sess-1"] = map[string]any{}
	w := NewWaiter(store, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := w.Wait(ctx, "sess-1", "architect_review")
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}

func TestWaiter_ScalarResponseIsWrapped(t *testing.T) {
	store := newMemStore()
	store.payloads["sess-1"] = WithResponseQueue(map[string]any{}, []Item{
		{Gate: "positioning_profile_choice", Response: "fresh"},
	})

	w := NewWaiter(store, time.Hour)
	resp, err := w.Wait(context.Background(), "sess-1", "positioning_profile_choice")
	require.NoError(t, err)
	assert.Equal(t, "fresh", resp["value"])
}

func TestAnswer_SecondResponseIsDropped(t *testing.T) {
	payload := WithPendingGate(map[string]any{}, "architect_review", time.Now())
	first := Answer(payload, map[string]any{"edit": "X"}, time.Now())
	require.True(t, IsAnswered(first))

	second := Answer(first, map[string]any{"edit": "Y"}, time.Now())
	resp, ok := AnsweredResponse(second, "architect_review")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"edit": "X"}, resp)
}

func TestWithPendingGate_ReplacesDescriptorKeepsQueue(t *testing.T) {
	payload := WithResponseQueue(map[string]any{}, []Item{{Gate: "later_gate", Response: "r"}})
	payload = WithPendingGate(payload, "first_gate", time.Now())
	payload = WithPendingGate(payload, "second_gate", time.Now())

	assert.Equal(t, "second_gate", CurrentGate(payload))
	assert.False(t, IsAnswered(payload))
	assert.Len(t, GetResponseQueue(payload), 1)
}

func TestTakeQueuedResponse_RemovesOnlyMatch(t *testing.T) {
	payload := WithResponseQueue(map[string]any{}, []Item{
		{Gate: "a", Response: 1},
		{Gate: "b", Response: 2},
	})

	item, remaining, found := TakeQueuedResponse(payload, "b")
	require.True(t, found)
	assert.Equal(t, 2, item.Response)

	rest := GetResponseQueue(remaining)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].Gate)

	_, _, found = TakeQueuedResponse(remaining, "b")
	assert.False(t, found)
}
