package endpoint

import (
	"testing"

	"github.com/opencci/gocci/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRMARegisterAndLookup(t *testing.T) {
	table := NewRMATable()
	buf := make([]byte, 4096)
	reg := table.Register(buf, transport.RMARead|transport.RMAWrite)
	require.NotZero(t, reg.Token())

	got, ok := table.Lookup(reg.Token())
	require.True(t, ok)
	assert.Same(t, &reg.Buffer[0], &got.Buffer[0])
	assert.Equal(t, uint64(len(buf)), got.Length())
}

func TestRMATokensAreUnique(t *testing.T) {
	table := NewRMATable()
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		reg := table.Register(make([]byte, 1), transport.RMARead)
		assert.False(t, seen[reg.Token()])
		seen[reg.Token()] = true
	}
}

func TestRMADeregisterWithoutInFlight(t *testing.T) {
	table := NewRMATable()
	reg := table.Register(make([]byte, 1), transport.RMAWrite)
	table.Deregister(reg.Token())

	_, ok := table.Lookup(reg.Token())
	assert.False(t, ok)
}

func TestRMADeregisterWithInFlightDrainsBeforeRemoval(t *testing.T) {
	table := NewRMATable()
	reg := table.Register(make([]byte, 1), transport.RMAWrite)
	require.True(t, reg.BeginFragment())

	table.Deregister(reg.Token())
	// Lookup should already report it gone (aborted), even though the
	// in-flight fragment hasn't finished.
	_, ok := table.Lookup(reg.Token())
	assert.False(t, ok)

	reg.EndFragment(table)
	table.mu.RLock()
	_, stillPresent := table.byTok[reg.Token()]
	table.mu.RUnlock()
	assert.False(t, stillPresent)
}

func TestRMABeginFragmentFailsAfterAbort(t *testing.T) {
	table := NewRMATable()
	reg := table.Register(make([]byte, 1), transport.RMAWrite)
	table.Deregister(reg.Token())

	assert.False(t, reg.BeginFragment())
}
