package endpoint

import (
	"testing"

	"github.com/opencci/gocci/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueuePushPop(t *testing.T) {
	q := NewEventQueue()
	assert.Equal(t, 0, q.Len())

	q.Push(transport.Event{Kind: transport.EventSend})
	assert.Equal(t, 1, q.Len())

	ev, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, transport.EventSend, ev.Kind)
	assert.Equal(t, 0, q.Len())

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestEventQueueLeaseReturnsBuffer(t *testing.T) {
	pool := NewBufferPool(2, 32)
	q := NewEventQueue()

	_, idx, ok := pool.Get()
	require.True(t, ok)
	token := q.NewLease(idx)

	ev := transport.Event{Kind: transport.EventRecv, Recv: &transport.RecvEvent{LeaseToken: token}}
	assert.Equal(t, 1, pool.Free())
	ok = q.Return(ev, pool)
	assert.True(t, ok)
	assert.Equal(t, 2, pool.Free())
}

func TestEventQueueConnectRequestMustBeConsumed(t *testing.T) {
	q := NewEventQueue()
	creq := &transport.ConnectRequestEvent{}
	ev := transport.Event{Kind: transport.EventConnectRequest, ConnectRequest: creq}
	q.Push(ev)

	ok := q.Return(ev, nil)
	assert.False(t, ok, "unconsumed CONNECT_REQUEST must fail return_event")

	creq.Consumed = true
	ok = q.Return(ev, nil)
	assert.True(t, ok)
}
