package udp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opencci/gocci/internal/endpoint"
	"github.com/opencci/gocci/internal/transport"
	"github.com/opencci/gocci/internal/wire"
)

// sendPacket encodes pkt and writes it to peerAddr over ue's socket
//.
func (t *Transport) sendPacket(ue *udpEndpoint, peerAddr string, pkt *wire.Packet) error {
	raddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return fmt.Errorf("udp: resolve %q: %w", peerAddr, err)
	}
	buf := make([]byte, wire.HeaderSize+len(pkt.Payload))
	n := wire.Encode(buf, pkt)
	_, err = ue.conn.WriteTo(buf[:n], raddr)
	return err
}

// signal wakes any caller blocked on the endpoint's wake handle. Every
// path that pushes an event calls it, so it fires on each empty-to-
// non-empty transition of the ready-event queue and on later pushes too.
func (t *Transport) signal(ue *udpEndpoint) {
	if ue.wake != nil {
		ue.wake.Signal()
	}
}

// progress drains arriving datagrams, advances the reliable-transport
// state machine, and walks every connection for due retransmits,
// timeouts, and keepalives. It never
// blocks: the UDP socket is read in non-blocking bursts bounded by
// progressReadBurst.
func (t *Transport) progress(ue *udpEndpoint) {
	t.drainSocket(ue)
	t.tickConnections(ue)
}

const progressReadBurst = 64

func (t *Transport) drainSocket(ue *udpEndpoint) {
	buf := make([]byte, 65536)
	_ = ue.conn.SetReadDeadline(time.Now())
	for i := 0; i < progressReadBurst; i++ {
		n, addr, err := ue.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			return
		}
		t.handleDatagram(ue, addr.String(), append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) handleDatagram(ue *udpEndpoint, peerAddr string, data []byte) {
	pkt, err := wire.Decode(data)
	if err != nil {
		return
	}

	switch pkt.Type {
	case wire.TypeRequest:
		t.handleRequest(ue, peerAddr, pkt)
	case wire.TypeReply:
		t.handleReply(ue, peerAddr, pkt)
	case wire.TypeReject:
		t.handleReject(ue, peerAddr, pkt)
	case wire.TypeAckHandshake:
		// No further action needed: the reference transport considers
		// the connection READY as soon as its REPLY is accepted by the
		// requester's ACK_HANDSHAKE arriving here is purely informative.
	case wire.TypeMsg:
		t.touchActivity(ue, pkt.DstConnID)
		t.handleMsg(ue, pkt)
	case wire.TypeAck:
		t.touchActivity(ue, pkt.DstConnID)
		t.handleAck(ue, pkt)
	case wire.TypeNackRNR:
		t.touchActivity(ue, pkt.DstConnID)
		t.handleNackRNR(ue, pkt)
	case wire.TypeRMAWrite, wire.TypeRMAReadReq, wire.TypeRMAReadReply:
		t.touchActivity(ue, pkt.DstConnID)
		t.handleRMA(ue, pkt)
	case wire.TypeKeepalive:
		t.touchActivity(ue, pkt.DstConnID)
	}
}

// touchActivity resets dstConnID's dead-peer clock, used by
// tickConnections to detect a peer that has stopped responding
// entirely.
func (t *Transport) touchActivity(ue *udpEndpoint, dstConnID uint32) {
	conn, ok := ue.ep.Connection(dstConnID)
	if !ok {
		return
	}
	conn.Lock()
	conn.LastActivity = time.Now()
	conn.Unlock()
}

func (t *Transport) handleRequest(ue *udpEndpoint, peerAddr string, pkt *wire.Packet) {
	ue.mu.Lock()
	if _, dup := ue.pendingByAddr[peerAddr]; dup {
		ue.mu.Unlock()
		return
	}
	pr := &pendingRequest{
		peerAddr:     peerAddr,
		attr:         transport.Attribute(pkt.Attr),
		payload:      append([]byte(nil), pkt.Payload...),
		remoteConnID: pkt.SrcConnID,
	}
	ue.pendingByAddr[peerAddr] = pr
	ue.mu.Unlock()

	creq := &transport.ConnectRequestEvent{
		EndpointID: ue.ep.ID(),
		Attribute:  pr.attr,
		Data:       pr.payload,
		Len:        len(pr.payload),
		Context:    pr,
	}
	pr.event = creq
	ue.ep.Events().Push(transport.Event{Kind: transport.EventConnectRequest, ConnectRequest: creq})
	t.signal(ue)
}

func (t *Transport) handleReply(ue *udpEndpoint, peerAddr string, pkt *wire.Packet) {
	ue.mu.Lock()
	localID, ok := ue.connByAddr[peerAddr]
	ue.mu.Unlock()
	if !ok {
		return
	}
	conn, ok := ue.ep.Connection(localID)
	if !ok {
		return
	}
	reply, err := wire.DecodeReplyPayload(pkt.Payload)
	if err != nil {
		return
	}

	conn.Lock()
	if conn.Status != endpoint.StatusRequested {
		conn.Unlock()
		return
	}
	if !reply.Accepted {
		conn.Status = endpoint.StatusRejected
		ctx := conn.ConnectContext
		conn.Unlock()
		ue.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: "connection refused", Context: ctx}})
		t.signal(ue)
		return
	}

	conn.PeerID = reply.TargetConnID
	conn.ExpectedSeq = reply.InitialSeq
	conn.Status = endpoint.StatusReady
	ctx := conn.ConnectContext
	conn.Unlock()

	ack := &wire.Packet{Header: wire.Header{Type: wire.TypeAckHandshake, SrcConnID: localID, DstConnID: reply.TargetConnID}}
	_ = t.sendPacket(ue, peerAddr, ack)

	ue.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: "success", Context: ctx, Conn: conn}})
	t.signal(ue)
}

func (t *Transport) handleReject(ue *udpEndpoint, peerAddr string, pkt *wire.Packet) {
	ue.mu.Lock()
	localID, ok := ue.connByAddr[peerAddr]
	delete(ue.connByAddr, peerAddr)
	ue.mu.Unlock()
	if !ok {
		return
	}
	conn, ok := ue.ep.Connection(localID)
	if !ok {
		return
	}
	conn.Lock()
	conn.Status = endpoint.StatusRejected
	ctx := conn.ConnectContext
	conn.Unlock()
	ue.ep.RemoveConnection(localID)

	ue.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: "connection refused", Context: ctx}})
	t.signal(ue)
}

func (t *Transport) connectionFor(ue *udpEndpoint, dstConnID uint32) (*endpoint.Connection, bool) {
	return ue.ep.Connection(dstConnID)
}

func (t *Transport) handleMsg(ue *udpEndpoint, pkt *wire.Packet) {
	conn, ok := t.connectionFor(ue, pkt.DstConnID)
	if !ok {
		return
	}

	conn.Lock()
	rxFree := ue.ep.RXPool().Free() > 0
	decision, flushed := conn.ReceiveMsg(pkt.Seq, pkt.Payload, rxFree)
	cumAck, selBits := conn.ExpectedSeq-1, conn.SelectiveAckBitmap()
	localID := conn.LocalID()
	peerID := conn.PeerID
	peerAddr := conn.PeerAddr
	conn.Unlock()

	switch decision {
	case endpoint.RecvDeliver:
		t.deliver(ue, conn, pkt.Payload)
		for _, p := range flushed {
			t.deliver(ue, conn, p)
		}
		t.sendAck(ue, localID, peerID, peerAddr, cumAck, selBits)
	case endpoint.RecvBufferedRU:
		t.deliver(ue, conn, pkt.Payload)
		t.sendAck(ue, localID, peerID, peerAddr, cumAck, selBits)
	case endpoint.RecvBuffered:
		t.sendAck(ue, localID, peerID, peerAddr, cumAck, selBits)
	case endpoint.RecvRNR:
		nack := &wire.Packet{Header: wire.Header{Type: wire.TypeNackRNR, SrcConnID: localID, DstConnID: peerID, Seq: pkt.Seq}}
		_ = t.sendPacket(ue, peerAddr, nack)
	}
}

// deliver pushes a RECV event for payload, leasing an RX buffer slot so
// ReturnEvent can release it later.
func (t *Transport) deliver(ue *udpEndpoint, conn *endpoint.Connection, payload []byte) {
	_, idx, ok := ue.ep.RXPool().Get()
	var lease uint64
	if ok {
		lease = ue.ep.Events().NewLease(idx)
	}
	ue.ep.Events().Push(transport.Event{
		Kind: transport.EventRecv,
		Recv: &transport.RecvEvent{Data: append([]byte(nil), payload...), Conn: conn, LeaseToken: lease},
	})
	if obs := ue.ep.Observer(); obs != nil {
		obs.ObserveRecv(uint64(len(payload)))
	}
	t.signal(ue)
}

func (t *Transport) sendAck(ue *udpEndpoint, localID, peerID uint32, peerAddr string, cumAck, selBits uint32) {
	ack := &wire.Packet{Header: wire.Header{
		Type:       wire.TypeAck,
		SrcConnID:  localID,
		DstConnID:  peerID,
		CumAck:     cumAck,
		SelAckBits: selBits,
	}}
	_ = t.sendPacket(ue, peerAddr, ack)
}

func (t *Transport) handleAck(ue *udpEndpoint, pkt *wire.Packet) {
	conn, ok := t.connectionFor(ue, pkt.DstConnID)
	if !ok {
		return
	}
	conn.Lock()
	completed := conn.ProcessAck(pkt.CumAck, pkt.SelAckBits)
	conn.RNR = false
	conn.Unlock()

	if obs := ue.ep.Observer(); obs != nil {
		obs.ObserveAck(pkt.SelAckBits != 0)
	}

	for _, tx := range completed {
		if tx.Completion != nil {
			tx.Completion("success")
		}
	}
}

func (t *Transport) handleNackRNR(ue *udpEndpoint, pkt *wire.Packet) {
	conn, ok := t.connectionFor(ue, pkt.DstConnID)
	if !ok {
		return
	}
	conn.Lock()
	conn.RNR = true
	conn.Unlock()
	if obs := ue.ep.Observer(); obs != nil {
		obs.ObserveRNR()
	}
}

// handleRMA services one RMA fragment: a WRITE copies its payload
// straight into the target registration's buffer; a READ_REQ copies
// the requested range out and answers with a READ_REPLY carrying the
// requester's own ReplyToken/ReplyOffset back unchanged; a READ_REPLY
// copies the returned bytes into the local registration the original
// READ_REQ named.
func (t *Transport) handleRMA(ue *udpEndpoint, pkt *wire.Packet) {
	frag, err := wire.DecodeFragmentHeader(pkt.Payload)
	if err != nil {
		return
	}

	switch pkt.Type {
	case wire.TypeRMAWrite:
		reg, ok := ue.ep.RMA().Lookup(frag.RemoteToken)
		if !ok {
			return
		}
		if !reg.BeginFragment() {
			return
		}
		defer reg.EndFragment(ue.ep.RMA())
		data := pkt.Payload[wire.FragmentHeaderSize:]
		n := copy(reg.Buffer[frag.RemoteOffset:], data)
		if obs := ue.ep.Observer(); obs != nil {
			obs.ObserveRMA(uint64(n), "write")
		}

	case wire.TypeRMAReadReq:
		reg, ok := ue.ep.RMA().Lookup(frag.RemoteToken)
		if !ok {
			return
		}
		conn, ok := t.connectionFor(ue, pkt.DstConnID)
		if !ok {
			return
		}
		if !reg.BeginFragment() {
			return
		}
		end := frag.RemoteOffset + frag.Length
		if end > uint64(len(reg.Buffer)) {
			end = uint64(len(reg.Buffer))
		}
		data := append([]byte(nil), reg.Buffer[frag.RemoteOffset:end]...)
		reg.EndFragment(ue.ep.RMA())

		replyHdr := make([]byte, wire.FragmentHeaderSize)
		wire.EncodeFragmentHeader(replyHdr, wire.FragmentHeader{
			RemoteToken:  frag.ReplyToken,
			RemoteOffset: frag.ReplyOffset,
			OpOffset:     frag.OpOffset,
		})
		conn.Lock()
		peerAddr := conn.PeerAddr
		localID := conn.LocalID()
		peerID := conn.PeerID
		conn.Unlock()
		reply := &wire.Packet{
			Header:  wire.Header{Type: wire.TypeRMAReadReply, SrcConnID: localID, DstConnID: peerID},
			Payload: append(replyHdr, data...),
		}
		_ = t.sendPacket(ue, peerAddr, reply)
		if obs := ue.ep.Observer(); obs != nil {
			obs.ObserveRMA(uint64(len(data)), "read")
		}

	case wire.TypeRMAReadReply:
		// RemoteToken/RemoteOffset here are the requester's own local
		// registration and offset, echoed back from ReplyToken/ReplyOffset
		// in the READ_REQ that provoked this reply.
		reg, ok := ue.ep.RMA().Lookup(frag.RemoteToken)
		if !ok {
			return
		}
		data := pkt.Payload[wire.FragmentHeaderSize:]
		copy(reg.Buffer[frag.RemoteOffset:], data)
		reg.EndFragment(ue.ep.RMA())
	}
}

// tickConnections walks every connection on ue, retransmitting due
// sends, timing out dead ones, and emitting keepalives.
func (t *Transport) tickConnections(ue *udpEndpoint) {
	now := time.Now()
	for _, conn := range ue.ep.Connections() {
		conn.Lock()
		if conn.Status == endpoint.StatusRequested && !conn.ConnectDeadline.IsZero() && now.After(conn.ConnectDeadline) {
			conn.Status = endpoint.StatusFailed
			ctx := conn.ConnectContext
			conn.Unlock()
			ue.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: "timed out", Context: ctx}})
			t.signal(ue)
			continue
		}
		if conn.Status != endpoint.StatusReady {
			conn.Unlock()
			continue
		}

		resend, timedOut := conn.DueRetransmits(now)
		localID := conn.LocalID()
		peerID := conn.PeerID
		peerAddr := conn.PeerAddr
		attr := conn.Attr
		keepalive := conn.Keepalive
		lastKA := conn.LastKeepaliveSent
		lastActivity := conn.LastActivity
		conn.Unlock()

		// A keepalive timeout disarms the period and reports to the
		// application; it does not decide the connection is broken, so
		// the connection stays READY with its resources intact.
		if keepalive > 0 && now.Sub(lastActivity) >= keepalive*3 {
			conn.Lock()
			conn.Keepalive = 0
			conn.Unlock()
			if obs := ue.ep.Observer(); obs != nil {
				obs.ObserveKeepaliveTimeout()
			}
			ue.ep.Events().Push(transport.Event{Kind: transport.EventKeepaliveTimedOut, KeepaliveTimeout: &transport.KeepaliveTimeoutEvent{Conn: conn}})
			t.signal(ue)
			keepalive = 0
		}

		for _, tx := range resend {
			pkt := &wire.Packet{
				Header: wire.Header{
					Type:      wire.TypeMsg,
					Attr:      wire.AttrBits(attr),
					SrcConnID: localID,
					DstConnID: peerID,
					Seq:       tx.Seq,
				},
				Payload: tx.Payload,
			}
			_ = t.sendPacket(ue, peerAddr, pkt)
			if obs := ue.ep.Observer(); obs != nil {
				obs.ObserveRetransmit()
			}
		}
		for _, tx := range timedOut {
			conn.Lock()
			rnr := conn.RNR
			conn.Unlock()
			status := "timed out"
			if rnr {
				status = "receiver not ready"
			}
			if attr == transport.AttrRO {
				conn.Lock()
				conn.FailSticky(status)
				conn.Unlock()
			}
			if tx.Completion != nil {
				tx.Completion(status)
			}
		}

		if keepalive > 0 && now.Sub(lastKA) >= keepalive {
			ka := &wire.Packet{Header: wire.Header{Type: wire.TypeKeepalive, SrcConnID: localID, DstConnID: peerID}}
			if err := t.sendPacket(ue, peerAddr, ka); err == nil {
				conn.Lock()
				conn.LastKeepaliveSent = now
				conn.Unlock()
			}
		}
	}
}
