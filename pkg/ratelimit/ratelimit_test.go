package ratelimit

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_EnforcesMessageRate(t *testing.T) {
	l := NewMemoryLimiter(MessageRateLimit, MessageRateWindow)
	now := time.Now()

	for i := 0; i < MessageRateLimit; i++ {
		assert.True(t, l.AllowAt("user-1", now))
	}
	assert.False(t, l.AllowAt("user-1", now))
}

func TestMemoryLimiter_WindowSlidesForward(t *testing.T) {
	l := NewMemoryLimiter(2, time.Second)
	t0 := time.Now()

	assert.True(t, l.AllowAt("user-1", t0))
	assert.True(t, l.AllowAt("user-1", t0))
	assert.False(t, l.AllowAt("user-1", t0))

	later := t0.Add(2 * time.Second)
	assert.True(t, l.AllowAt("user-1", later))
}

func TestIdempotencyStore_DetectsDuplicateWithinRetention(t *testing.T) {
	s := NewIdempotencyStore()
	now := time.Now()

	dup, err := s.CheckAndRecord("user-1", "key-a", now)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = s.CheckAndRecord("user-1", "key-a", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestIdempotencyStore_SameKeyDifferentUserIsNotDuplicate(t *testing.T) {
	s := NewIdempotencyStore()
	now := time.Now()

	_, err := s.CheckAndRecord("user-1", "key-a", now)
	require.NoError(t, err)
	dup, err := s.CheckAndRecord("user-2", "key-a", now)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIdempotencyStore_ExpiresAfterRetention(t *testing.T) {
	s := NewIdempotencyStore()
	now := time.Now()

	_, err := s.CheckAndRecord("user-1", "key-a", now)
	require.NoError(t, err)

	dup, err := s.CheckAndRecord("user-1", "key-a", now.Add(IdempotencyRetention+time.Second))
	require.NoError(t, err)
	assert.False(t, dup, "entries older than the retention window are treated as fresh")
}

func TestIdempotencyStore_RejectsOverlongKey(t *testing.T) {
	s := NewIdempotencyStore()
	_, err := s.CheckAndRecord("user-1", strings.Repeat("x", MaxIdempotencyKeyLen+1), time.Now())
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestIdempotencyStore_EvictsOldestBeyondCap(t *testing.T) {
	s := NewIdempotencyStore()
	now := time.Now()
	for i := 0; i < MaxIdempotencyEntries+5; i++ {
		_, err := s.CheckAndRecord("user-1", keyFor(i), now)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(s.entries), MaxIdempotencyEntries)
}

func keyFor(i int) string {
	digits := []byte{}
	if i == 0 {
		return "k0"
	}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return "k" + string(digits)
}
