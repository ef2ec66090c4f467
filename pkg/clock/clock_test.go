package clock

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/collective/pkg/types"
)

func TestNextIsStrictlyIncreasing(t *testing.T) {
	c := New("machine-a")

	prev := c.Next()
	for i := 0; i < 100; i++ {
		v := c.Next()
		assert.True(t, prev.Less(v), "%v should be < %v", prev, v)
		prev = v
	}
	assert.Equal(t, "machine-a", prev.MachineID)
}

func TestObserveAdvancesCounter(t *testing.T) {
	c := New("a")
	c.Observe(types.Version{Counter: 40, MachineID: "b"})

	v := c.Next()
	assert.Equal(t, uint64(41), v.Counter)
	assert.Equal(t, "a", v.MachineID)

	// Older observations never move the counter backwards.
	c.Observe(types.Version{Counter: 5, MachineID: "z"})
	assert.Equal(t, uint64(42), c.Next().Counter)
}

func TestNextConcurrencyIssuesUniqueCounters(t *testing.T) {
	c := New("a")

	const n = 64
	var wg sync.WaitGroup
	got := make([]types.Version, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = c.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, v := range got {
		assert.False(t, seen[v.Counter], "counter %d issued twice", v.Counter)
		seen[v.Counter] = true
	}
}

func TestNewMemoryID(t *testing.T) {
	c := New("machine-a")

	id1 := c.NewMemoryID()
	id2 := c.NewMemoryID()
	assert.NotEqual(t, id1, id2)

	origin, err := MachineIDFromMemoryID(id1)
	require.NoError(t, err)
	assert.Equal(t, "machine-a", origin)
}

func TestMachineIDFromMemoryIDRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "no-separator", ":01ARZ", "a:", "a:not-a-ulid"} {
		_, err := MachineIDFromMemoryID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestLoadOrCreateMachineID(t *testing.T) {
	dir := t.TempDir()

	// Configured id wins and is not persisted.
	id, err := LoadOrCreateMachineID("machine-a", dir)
	require.NoError(t, err)
	assert.Equal(t, "machine-a", id)
	assert.NoFileExists(t, filepath.Join(dir, machineIDFile))

	// Generated id is stable across calls.
	gen1, err := LoadOrCreateMachineID("", dir)
	require.NoError(t, err)
	gen2, err := LoadOrCreateMachineID("", dir)
	require.NoError(t, err)
	assert.Equal(t, gen1, gen2)
	assert.Contains(t, gen1, "m-")
}
