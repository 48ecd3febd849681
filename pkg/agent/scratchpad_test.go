package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScratchpad_SetGet(t *testing.T) {
	sp := NewScratchpad()
	_, ok := sp.Get("section_summary")
	require.False(t, ok)

	sp.Set("section_summary", map[string]any{"content": "Experienced engineer."})
	v, ok := sp.Get("section_summary")
	require.True(t, ok)
	assert.Equal(t, "Experienced engineer.", v.(map[string]any)["content"])
}

func TestScratchpad_SnapshotIsIndependentCopy(t *testing.T) {
	sp := NewScratchpad()
	sp.Set("a", 1)

	snap := sp.Snapshot()
	sp.Set("b", 2)

	_, ok := snap["b"]
	assert.False(t, ok, "snapshot must not observe writes made after it was taken")
	assert.Len(t, snap, 1)
}

func TestScratchpad_ConcurrentWrites(t *testing.T) {
	sp := NewScratchpad()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sp.Set("key", i)
		}(i)
	}
	wg.Wait()
	_, ok := sp.Get("key")
	assert.True(t, ok)
}
