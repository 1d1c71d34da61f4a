package idalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDZeroNeverAllocated(t *testing.T) {
	a := New(128) // IDs 1..127
	for i := 0; i < 127; i++ {
		id, err := a.Alloc()
		require.NoError(t, err)
		assert.NotZero(t, id)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := New(64)
	id, err := a.Alloc()
	require.NoError(t, err)
	assert.True(t, a.IsAllocated(id))

	a.Free(id)
	assert.False(t, a.IsAllocated(id))
	assert.Equal(t, 0, a.InUse())
}

func TestAllocDoesNotReuseLiveIDs(t *testing.T) {
	a := New(256)
	seen := make(map[uint32]bool)
	for i := 0; i < 200; i++ {
		id, err := a.Alloc()
		require.NoError(t, err)
		assert.False(t, seen[id], "id %d allocated twice while still live", id)
		seen[id] = true
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New(64) // rounds to one 64-bit word, minus reserved ID 0
	count := 0
	for {
		_, err := a.Alloc()
		if err != nil {
			break
		}
		count++
	}
	assert.Equal(t, 63, count)

	_, err := a.Alloc()
	assert.Error(t, err)
}

func TestFreeThenReallocate(t *testing.T) {
	a := New(64)
	id, err := a.Alloc()
	require.NoError(t, err)
	a.Free(id)

	// Drain the rest of the space; the freed slot must be reusable.
	for i := 0; i < 100; i++ {
		_, err := a.Alloc()
		if err != nil {
			break
		}
	}
	assert.Equal(t, 63, a.InUse())
}

func TestFreeUnknownIDIsNoop(t *testing.T) {
	a := New(64)
	a.Free(0)
	a.Free(999999)
	assert.Equal(t, 0, a.InUse())
}

func TestCapacityRoundsUpToWordSize(t *testing.T) {
	a := New(10)
	assert.Equal(t, uint32(64), a.Capacity())
}
