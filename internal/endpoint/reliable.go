package endpoint

import (
	"time"

	"github.com/opencci/gocci/internal/constants"
)

// seqLess implements RFC 1982 serial-number arithmetic comparison so
// the 32-bit sequence space wraps correctly.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

// Enqueue stamps a TX descriptor with the next sequence number and adds
// it to the connection's in-flight list.
// Caller must hold conn's lock.
func (c *Connection) Enqueue(tx *TXDescriptor) {
	tx.Seq = c.NextSeq
	c.NextSeq++
	tx.Deadline = time.Now().Add(c.effectiveSendTimeout())
	tx.LastSent = time.Now()
	c.InFlight = append(c.InFlight, tx)
}

func (c *Connection) effectiveSendTimeout() time.Duration {
	if c.SendTimeout > 0 {
		return c.SendTimeout
	}
	return constants.DefaultEndpointSendTimeout
}

// DueRetransmits returns in-flight descriptors whose backoff interval
// has elapsed as of now, incrementing their resend counter, and
// separately the descriptors whose absolute deadline has passed. Caller must hold conn's lock.
func (c *Connection) DueRetransmits(now time.Time) (resend []*TXDescriptor, timedOut []*TXDescriptor) {
	kept := c.InFlight[:0]
	for _, tx := range c.InFlight {
		if now.After(tx.Deadline) || now.Equal(tx.Deadline) {
			timedOut = append(timedOut, tx)
			continue
		}
		backoff := retransmitBackoff(tx.Resends)
		if now.After(tx.LastSent.Add(backoff)) {
			tx.LastSent = now
			tx.Resends++
			resend = append(resend, tx)
		}
		kept = append(kept, tx)
	}
	c.InFlight = kept
	return resend, timedOut
}

func retransmitBackoff(resends int) time.Duration {
	b := constants.RetransmitBaseBackoff
	for i := 0; i < resends; i++ {
		b *= 2
		if b >= constants.RetransmitMaxBackoff {
			return constants.RetransmitMaxBackoff
		}
	}
	return b
}

// ProcessAck removes acknowledged descriptors from the in-flight list:
// every seq <= cumAck, plus any seq in (cumAck, cumAck+32] whose bit is
// set in selBits. Caller must hold conn's
// lock. Returns the descriptors that completed successfully.
func (c *Connection) ProcessAck(cumAck uint32, selBits uint32) []*TXDescriptor {
	var completed []*TXDescriptor
	kept := c.InFlight[:0]
	for _, tx := range c.InFlight {
		if seqLessEq(tx.Seq, cumAck) {
			completed = append(completed, tx)
			continue
		}
		offset := tx.Seq - cumAck - 1
		if offset < constants.RecentAckBitmapBits && selBits&(1<<offset) != 0 {
			completed = append(completed, tx)
			continue
		}
		kept = append(kept, tx)
	}
	c.InFlight = kept
	if len(completed) > 0 {
		c.OldestUnacked = cumAck + 1
	}
	return completed
}

// RecvDecision is the outcome of ReceiveMsg's sequence-space check.
type RecvDecision int

const (
	RecvDeliver RecvDecision = iota
	RecvDuplicate
	RecvBuffered // RO: held for later in-order delivery
	RecvBufferedRU // RU: out of order, delivered at once
	RecvRNR
)

// ReceiveMsg classifies an arriving MSG packet against the connection's
// receive state. Caller must hold conn's
// lock. rxFree reports whether the endpoint still has free RX buffers;
// when false the caller must NACK_RNR instead of buffering. On RO
// connections, a packet that fills a gap can also flush a contiguous
// run already sitting in the hold-queue; flushed carries those payloads
// in delivery order, to be surfaced as RECV events alongside payload
// itself.
func (c *Connection) ReceiveMsg(seq uint32, payload []byte, rxFree bool) (decision RecvDecision, flushed [][]byte) {
	reliable := c.Attr.Reliable()
	if !reliable {
		return RecvDeliver, nil
	}

	if !rxFree {
		return RecvRNR, nil
	}

	ordered := c.Attr == 0 // AttrRO == 0

	switch {
	case seq == c.ExpectedSeq:
		c.ExpectedSeq++
		if ordered {
			flushed = c.flushHoldQueue()
		} else {
			// Re-base the RU bitmap on the new ExpectedSeq and step past
			// any packets already received out of order.
			c.RecentAckBits >>= 1
			for c.RecentAckBits&1 != 0 {
				c.RecentAckBits >>= 1
				c.ExpectedSeq++
			}
		}
		return RecvDeliver, flushed

	case seqLess(seq, c.ExpectedSeq):
		return RecvDuplicate, nil

	default: // seq > expected
		if ordered {
			if _, dup := c.HoldQueue[seq]; dup {
				return RecvDuplicate, nil
			}
			if len(c.HoldQueue) >= constants.HoldQueueLimit {
				// Bounded hold-queue overflow is fatal for the connection
				//.
				c.FailSticky("timed out")
				return RecvRNR, nil
			}
			c.HoldQueue[seq] = &pendingRX{data: append([]byte(nil), payload...)}
			return RecvBuffered, nil
		}
		offset := seq - c.ExpectedSeq
		if offset < constants.RecentAckBitmapBits {
			if c.RecentAckBits&(1<<offset) != 0 {
				return RecvDuplicate, nil
			}
			c.setRecentAckBit(seq)
		}
		return RecvBufferedRU, nil
	}
}

func (c *Connection) setRecentAckBit(seq uint32) {
	if seqLess(seq, c.ExpectedSeq) {
		return
	}
	offset := seq - c.ExpectedSeq
	if offset < constants.RecentAckBitmapBits {
		c.RecentAckBits |= 1 << offset
	}
}

// flushHoldQueue delivers the contiguous run of buffered packets
// starting at ExpectedSeq, advancing ExpectedSeq past each one.
// Returns the flushed payloads in order; caller must hold conn's lock.
func (c *Connection) flushHoldQueue() [][]byte {
	var out [][]byte
	for {
		p, ok := c.HoldQueue[c.ExpectedSeq]
		if !ok {
			break
		}
		out = append(out, p.data)
		delete(c.HoldQueue, c.ExpectedSeq)
		c.ExpectedSeq++
	}
	return out
}

// SelectiveAckBitmap builds the 32-bit selective-ACK bitmap for the
// next 32 slots above ExpectedSeq-1, from the RO hold-queue or the RU
// recent-ack bitmap.
func (c *Connection) SelectiveAckBitmap() uint32 {
	if c.Attr != 0 { // not RO
		return c.RecentAckBits
	}
	var bits uint32
	for seq := range c.HoldQueue {
		if seqLess(seq, c.ExpectedSeq) {
			continue
		}
		offset := seq - c.ExpectedSeq
		if offset < constants.RecentAckBitmapBits {
			bits |= 1 << offset
		}
	}
	return bits
}
