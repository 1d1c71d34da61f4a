package udp

import (
	"fmt"
	"time"

	"github.com/opencci/gocci/internal/endpoint"
	"github.com/opencci/gocci/internal/transport"
	"github.com/opencci/gocci/internal/wire"
)

// microsToDuration converts a get_opt/set_opt microsecond count to a
// time.Duration; the public API exchanges timeouts as int64 microseconds
// while internal state keeps them as time.Duration.
func microsToDuration(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}

// Send queues msg on conn. Reliable connections (RO/RU) get a sequence
// number and an in-flight descriptor the progress engine retransmits
// until acknowledged; UU sends go straight to the wire.
func (t *Transport) Send(connHandle transport.ConnHandle, msg []byte, appContext any, flags transport.SendFlags) error {
	return t.sendOne(connHandle, msg, appContext, flags, false)
}

// Sendv is Send over a scatter-gather list; the reference transport
// flattens it into a single payload before framing.
func (t *Transport) Sendv(connHandle transport.ConnHandle, iov [][]byte, appContext any, flags transport.SendFlags) error {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	flat := make([]byte, 0, total)
	for _, b := range iov {
		flat = append(flat, b...)
	}
	return t.sendOne(connHandle, flat, appContext, flags, false)
}

func (t *Transport) sendOne(connHandle transport.ConnHandle, msg []byte, appContext any, flags transport.SendFlags, fence bool) error {
	ue, err := t.lookup(connHandle.EndpointID())
	if err != nil {
		return err
	}
	conn, ok := ue.ep.Connection(connHandle.LocalID())
	if !ok {
		return fmt.Errorf("udp: send: unknown connection %d", connHandle.LocalID())
	}

	conn.Lock()
	if conn.Status != endpoint.StatusReady {
		conn.Unlock()
		return fmt.Errorf("udp: send: connection not ready (status %s)", conn.Status)
	}
	if sticky := conn.StickyFailure(); sticky != "" && conn.Attr == transport.AttrRO {
		conn.Unlock()
		return fmt.Errorf("udp: send: connection failed (%s)", sticky)
	}

	payload := append([]byte(nil), msg...)
	if !conn.Attr.Reliable() {
		conn.Unlock()
		pkt := &wire.Packet{
			Header: wire.Header{
				Type:      wire.TypeMsg,
				Attr:      wire.AttrBits(conn.Attr),
				SrcConnID: connHandle.LocalID(),
				DstConnID: conn.PeerID,
			},
			Payload: payload,
		}
		if err := t.sendPacket(ue, conn.PeerAddr, pkt); err != nil {
			return err
		}
		if obs := ue.ep.Observer(); obs != nil {
			obs.ObserveSend(uint64(len(payload)), "success")
		}
		ue.ep.Events().Push(transport.Event{Kind: transport.EventSend, Send: &transport.SendEvent{Status: "success", Context: appContext, Conn: conn}})
		t.signal(ue)
		return nil
	}

	tx := &endpoint.TXDescriptor{
		Payload: payload,
		Context: appContext,
		Flags:   flags,
		Fence:   fence,
		Completion: func(status string) {
			if obs := ue.ep.Observer(); obs != nil {
				obs.ObserveSend(uint64(len(payload)), status)
			}
			ue.ep.Events().Push(transport.Event{Kind: transport.EventSend, Send: &transport.SendEvent{Status: status, Context: appContext, Conn: conn}})
			t.signal(ue)
		},
	}
	conn.Enqueue(tx)
	pkt := &wire.Packet{
		Header: wire.Header{
			Type:       wire.TypeMsg,
			Attr:       wire.AttrBits(conn.Attr),
			SrcConnID:  connHandle.LocalID(),
			DstConnID:  conn.PeerID,
			Seq:        tx.Seq,
			CumAck:     conn.ExpectedSeq - 1,
			SelAckBits: conn.SelectiveAckBitmap(),
		},
		Payload: payload,
	}
	peerAddr := conn.PeerAddr
	conn.Unlock()

	return t.sendPacket(ue, peerAddr, pkt)
}

// RMARegister registers buf, a local memory region, for RMA access.
func (t *Transport) RMARegister(epHandle transport.EndpointHandle, buf []byte, flags transport.RMAFlags) (transport.RMAHandle, error) {
	ue, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return nil, err
	}
	return ue.ep.RMA().Register(buf, flags), nil
}

// RMADeregister removes a registration and returns at once: new
// fragments against it are refused, and it leaves the table once the
// fragments already in flight have finished.
func (t *Transport) RMADeregister(h transport.RMAHandle) error {
	reg, ok := h.(*endpoint.RMARegistration)
	if !ok {
		return fmt.Errorf("udp: rma_deregister: handle not from this transport")
	}
	reg.Deregister()
	return nil
}

// RMA issues one RMA operation (WRITE, READ, or fenced variants),
// fragmenting the transfer into wire-sized pieces addressed at the
// remote's registration.
func (t *Transport) RMA(connHandle transport.ConnHandle, op transport.RMAFlags, localHandle transport.RMAHandle, localOffset uint64, remoteHandle [4]uint64, remoteOffset uint64, length uint64, completionMsg []byte, appContext any, flags transport.SendFlags) error {
	ue, err := t.lookup(connHandle.EndpointID())
	if err != nil {
		return err
	}
	conn, ok := ue.ep.Connection(connHandle.LocalID())
	if !ok {
		return fmt.Errorf("udp: rma: unknown connection %d", connHandle.LocalID())
	}

	local, ok := localHandle.(*endpoint.RMARegistration)
	if !ok {
		return fmt.Errorf("udp: rma: local handle not from this transport")
	}

	remoteToken := remoteHandle[0]
	maxFrag := uint64(ue.ep.MaxSendSize())
	if maxFrag == 0 {
		maxFrag = 4096
	}

	conn.Lock()
	peerAddr := conn.PeerAddr
	peerID := conn.PeerID
	attr := conn.Attr
	localID := conn.LocalID()
	conn.Unlock()

	isRead := op&transport.RMARead != 0
	pktType := wire.TypeRMAWrite
	if isRead {
		pktType = wire.TypeRMAReadReq
	}

	var rmaBytes uint64
	for off := uint64(0); off < length; off += maxFrag {
		n := maxFrag
		if off+n > length {
			n = length - off
		}
		if !local.BeginFragment() {
			return fmt.Errorf("udp: rma: local handle deregistered")
		}

		frag := wire.FragmentHeader{RemoteToken: remoteToken, RemoteOffset: remoteOffset + off, OpOffset: off}
		hdr := make([]byte, wire.FragmentHeaderSize)
		var body []byte
		if isRead {
			// ReplyToken/ReplyOffset name this op's own local region so
			// the RMA_READ_REPLY this fragment's request provokes can
			// land its bytes without any pending-read table on this side.
			// EndFragment happens when that reply arrives, in handleRMA.
			frag.ReplyToken = local.Token()
			frag.ReplyOffset = localOffset + off
			frag.Length = n
			wire.EncodeFragmentHeader(hdr, frag)
			body = hdr
		} else {
			wire.EncodeFragmentHeader(hdr, frag)
			body = append(hdr, local.Buffer[localOffset+off:localOffset+off+n]...)
			local.EndFragment(ue.ep.RMA())
		}

		pkt := &wire.Packet{
			Header: wire.Header{
				Type:      pktType,
				Attr:      wire.AttrBits(attr),
				SrcConnID: localID,
				DstConnID: peerID,
			},
			Payload: body,
		}
		if err := t.sendPacket(ue, peerAddr, pkt); err != nil {
			if isRead {
				local.EndFragment(ue.ep.RMA())
			}
			return err
		}
		rmaBytes += n
	}

	if obs := ue.ep.Observer(); obs != nil {
		opName := "write"
		if isRead {
			opName = "read"
		}
		obs.ObserveRMA(rmaBytes, opName)
	}

	if op&transport.RMAFence != 0 || len(completionMsg) > 0 {
		if err := t.sendOne(conn, completionMsg, appContext, flags, true); err != nil {
			return err
		}
		return nil
	}

	ue.ep.Events().Push(transport.Event{Kind: transport.EventSend, Send: &transport.SendEvent{Status: "success", Context: appContext, Conn: conn}})
	t.signal(ue)
	return nil
}

func (t *Transport) SetOpt(handle any, name transport.OptName, value any) error {
	switch h := handle.(type) {
	case transport.ConnHandle:
		ue, err := t.lookup(h.EndpointID())
		if err != nil {
			return err
		}
		conn, ok := ue.ep.Connection(h.LocalID())
		if !ok {
			return fmt.Errorf("udp: set_opt: unknown connection")
		}
		conn.Lock()
		defer conn.Unlock()
		switch name {
		case transport.OptConnSendTimeout:
			d, ok := value.(int64)
			if !ok {
				return fmt.Errorf("udp: set_opt: expected microseconds int64")
			}
			conn.SendTimeout = microsToDuration(d)
		case transport.OptConnKeepaliveTimeout:
			d, ok := value.(int64)
			if !ok {
				return fmt.Errorf("udp: set_opt: expected microseconds int64")
			}
			conn.Keepalive = microsToDuration(d)
		default:
			return fmt.Errorf("udp: set_opt: option not valid for a connection")
		}
		return nil
	case transport.EndpointHandle:
		_, err := t.lookup(h.EndpointID())
		if err != nil {
			return err
		}
		// Endpoint-scoped options (send timeout, buffer counts, keepalive
		// default) are fixed at CreateEndpoint in this reference transport.
		return fmt.Errorf("udp: set_opt: endpoint options are immutable after create_endpoint")
	default:
		return fmt.Errorf("udp: set_opt: unsupported handle type")
	}
}

func (t *Transport) GetOpt(handle any, name transport.OptName) (any, error) {
	switch h := handle.(type) {
	case transport.ConnHandle:
		ue, err := t.lookup(h.EndpointID())
		if err != nil {
			return nil, err
		}
		conn, ok := ue.ep.Connection(h.LocalID())
		if !ok {
			return nil, fmt.Errorf("udp: get_opt: unknown connection")
		}
		conn.Lock()
		defer conn.Unlock()
		switch name {
		case transport.OptConnSendTimeout:
			return int64(conn.SendTimeout / time.Microsecond), nil
		case transport.OptConnKeepaliveTimeout:
			return int64(conn.Keepalive / time.Microsecond), nil
		default:
			return nil, fmt.Errorf("udp: get_opt: option not valid for a connection")
		}
	case transport.EndpointHandle:
		ue, err := t.lookup(h.EndpointID())
		if err != nil {
			return nil, err
		}
		switch name {
		case transport.OptEndpointURI:
			return ue.uri, nil
		case transport.OptEndpointTXPoolFree:
			return ue.ep.TXPool().Free(), nil
		case transport.OptEndpointRXPoolFree:
			return ue.ep.RXPool().Free(), nil
		case transport.OptEndpointRMAAlign:
			return uint32(8), nil
		default:
			return nil, fmt.Errorf("udp: get_opt: option not valid for an endpoint")
		}
	default:
		return nil, fmt.Errorf("udp: get_opt: unsupported handle type")
	}
}
