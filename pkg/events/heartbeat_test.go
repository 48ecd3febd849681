package events

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunHeartbeat_StopsWhenSessionLeavesRunningSet(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, err := NewStream(rec)
	require.NoError(t, err)

	running := NewRunningSet()
	// Intentionally never added: session is absent from the running set.

	var dbWrites int32
	touch := func(ctx context.Context, sessionID string) error {
		atomic.AddInt32(&dbWrites, 1)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = RunHeartbeat(ctx, "sess-1", running, stream, touch)
	assert.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&dbWrites))
}

func TestAttemptRegistry_EnforcesPerUserWindow(t *testing.T) {
	reg := NewAttemptRegistry(3, time.Minute, 1000)
	now := time.Now()

	assert.True(t, reg.Allow("user-1", now))
	assert.True(t, reg.Allow("user-1", now))
	assert.True(t, reg.Allow("user-1", now))
	assert.False(t, reg.Allow("user-1", now))

	assert.True(t, reg.Allow("user-2", now), "a different user has its own window")
}

func TestAttemptRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	reg := NewAttemptRegistry(5, time.Minute, 2)
	now := time.Now()

	reg.Allow("user-1", now)
	reg.Allow("user-2", now)
	reg.Allow("user-3", now) // evicts user-1 (least recently touched)

	assert.Len(t, reg.entries, 2)
	_, stillTracked := reg.entries["user-1"]
	assert.False(t, stillTracked)
}

func TestManager_EnforcesPerUserCap(t *testing.T) {
	m := NewManager(5, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Connect("user-1"))
	}
	err := m.Connect("user-1")
	assert.ErrorIs(t, err, ErrPerUserCapExceeded)

	m.Disconnect("user-1")
	assert.NoError(t, m.Connect("user-1"))
}

func TestManager_EnforcesGlobalCap(t *testing.T) {
	m := NewManager(5, 2)
	require.NoError(t, m.Connect("user-1"))
	require.NoError(t, m.Connect("user-2"))
	err := m.Connect("user-3")
	assert.ErrorIs(t, err, ErrGlobalCapExceeded)
}
