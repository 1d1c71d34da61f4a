package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolGetPut(t *testing.T) {
	p := NewBufferPool(4, 128)
	assert.Equal(t, 4, p.Free())

	buf, idx, ok := p.Get()
	require.True(t, ok)
	assert.Len(t, buf, 128)
	assert.Equal(t, 3, p.Free())

	p.Put(idx)
	assert.Equal(t, 4, p.Free())
}

func TestBufferPoolExhaustion(t *testing.T) {
	p := NewBufferPool(2, 64)
	_, _, ok1 := p.Get()
	_, _, ok2 := p.Get()
	_, _, ok3 := p.Get()

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
	assert.Equal(t, 0, p.Free())
}

func TestBufferPoolCapacity(t *testing.T) {
	p := NewBufferPool(10, 32)
	assert.Equal(t, 10, p.Capacity())
}
