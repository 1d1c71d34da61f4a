package endpoint

import (
	"testing"
	"time"

	"github.com/opencci/gocci/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(attr transport.Attribute) *Connection {
	ep, _ := New(Config{DeviceName: "test", MaxSendSize: 4096, SendBufCount: 4, RecvBufCount: 4})
	return NewConnection(ep, 1, attr)
}

func TestEnqueueAssignsSequentialSeq(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	tx1 := &TXDescriptor{}
	tx2 := &TXDescriptor{}
	c.Enqueue(tx1)
	c.Enqueue(tx2)

	assert.Equal(t, uint32(0), tx1.Seq)
	assert.Equal(t, uint32(1), tx2.Seq)
	assert.Len(t, c.InFlight, 2)
}

func TestProcessAckCumulative(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	for i := 0; i < 5; i++ {
		c.Enqueue(&TXDescriptor{})
	}

	completed := c.ProcessAck(2, 0)
	assert.Len(t, completed, 3) // seq 0,1,2
	assert.Len(t, c.InFlight, 2)
}

func TestProcessAckSelectiveBitmap(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	for i := 0; i < 5; i++ {
		c.Enqueue(&TXDescriptor{})
	}
	// cumAck=0 (seq 0 acked), selective bit 2 set => seq 0+1+2=3 acked too
	completed := c.ProcessAck(0, 1<<2)
	var acked []uint32
	for _, tx := range completed {
		acked = append(acked, tx.Seq)
	}
	assert.ElementsMatch(t, []uint32{0, 3}, acked)
	assert.Len(t, c.InFlight, 3)
}

func TestDueRetransmitsHonorsBackoff(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	tx := &TXDescriptor{}
	c.Enqueue(tx)
	tx.LastSent = time.Now().Add(-10 * time.Millisecond)
	tx.Deadline = time.Now().Add(time.Hour)

	resend, timedOut := c.DueRetransmits(time.Now())
	assert.Empty(t, timedOut)
	require.Len(t, resend, 1)
	assert.Equal(t, 1, resend[0].Resends)
}

func TestDueRetransmitsTimesOut(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	tx := &TXDescriptor{}
	c.Enqueue(tx)
	tx.Deadline = time.Now().Add(-time.Millisecond)

	resend, timedOut := c.DueRetransmits(time.Now())
	assert.Empty(t, resend)
	require.Len(t, timedOut, 1)
	assert.Empty(t, c.InFlight)
}

func TestReceiveMsgInOrderRO(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	decision, flushed := c.ReceiveMsg(0, []byte("a"), true)
	assert.Equal(t, RecvDeliver, decision)
	assert.Empty(t, flushed)
	assert.Equal(t, uint32(1), c.ExpectedSeq)
}

func TestReceiveMsgOutOfOrderROBuffersAndFlushes(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	d, _ := c.ReceiveMsg(2, []byte("c"), true)
	assert.Equal(t, RecvBuffered, d)
	assert.Equal(t, uint32(0), c.ExpectedSeq)

	d, _ = c.ReceiveMsg(1, []byte("b"), true)
	assert.Equal(t, RecvBuffered, d)

	d, flushed := c.ReceiveMsg(0, []byte("a"), true)
	assert.Equal(t, RecvDeliver, d)
	assert.Equal(t, uint32(3), c.ExpectedSeq) // hold queue flushed through seq 2
	assert.Empty(t, c.HoldQueue)
	require.Len(t, flushed, 2)
	assert.Equal(t, []byte("b"), flushed[0])
	assert.Equal(t, []byte("c"), flushed[1])
}

func TestReceiveMsgDuplicateBelowExpected(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	c.ReceiveMsg(0, []byte("a"), true)
	d, _ := c.ReceiveMsg(0, []byte("a"), true)
	assert.Equal(t, RecvDuplicate, d)
}

func TestReceiveMsgRNRWhenPoolExhausted(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	d, _ := c.ReceiveMsg(5, []byte("x"), false)
	assert.Equal(t, RecvRNR, d)
}

func TestReceiveMsgRUDeliversOutOfOrder(t *testing.T) {
	c := newTestConn(transport.AttrRU)
	d, _ := c.ReceiveMsg(3, []byte("late"), true)
	assert.Equal(t, RecvBufferedRU, d)

	// Duplicate suppressed via recent-ack bitmap.
	d, _ = c.ReceiveMsg(3, []byte("late"), true)
	assert.Equal(t, RecvDuplicate, d)
}

func TestHoldQueueOverflowFailsConnectionSticky(t *testing.T) {
	c := newTestConn(transport.AttrRO)
	for i := uint32(1); i <= 1025; i++ {
		c.ReceiveMsg(i, []byte("x"), true)
	}
	assert.Equal(t, "timed out", c.StickyFailure())
}
