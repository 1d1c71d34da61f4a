package udp

import (
	"fmt"
	"net"
	"time"

	"github.com/opencci/gocci/internal/constants"
	"github.com/opencci/gocci/internal/endpoint"
	"github.com/opencci/gocci/internal/transport"
	"github.com/opencci/gocci/internal/wire"
)

// Connect sends a REQUEST packet to serverURI and records pending
// connect-side state on a freshly allocated INIT connection; the
// three-way handshake completes asynchronously once a REPLY or REJECT
// arrives.
func (t *Transport) Connect(epHandle transport.EndpointHandle, serverURI string, payload []byte, attr transport.Attribute, appContext any, flags transport.SendFlags, timeout *time.Duration) error {
	ue, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	if len(payload) > constants.ConnReqLen {
		return fmt.Errorf("udp: connect payload exceeds %d bytes", constants.ConnReqLen)
	}

	addr, err := parseHostPort(serverURI)
	if err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: resolve %q: %w", serverURI, err)
	}

	localID, err := ue.ep.AllocConnID()
	if err != nil {
		return fmt.Errorf("udp: allocate connection id: %w", err)
	}
	conn := endpoint.NewConnection(ue.ep, localID, attr)
	conn.PeerAddr = raddr.String()
	conn.Status = endpoint.StatusRequested
	conn.ConnectContext = appContext
	conn.PendingPayload = append([]byte(nil), payload...)
	d := constants.DefaultConnectTimeout
	if timeout != nil {
		d = *timeout
	}
	conn.ConnectDeadline = time.Now().Add(d)
	ue.ep.AddConnection(conn)

	ue.mu.Lock()
	ue.connByAddr[conn.PeerAddr] = localID
	ue.mu.Unlock()

	pkt := &wire.Packet{
		Header: wire.Header{
			Type:      wire.TypeRequest,
			Attr:      wire.AttrBits(attr),
			SrcConnID: localID,
			DstConnID: 0,
		},
		Payload: payload,
	}
	return t.sendPacket(ue, conn.PeerAddr, pkt)
}

// Accept completes the server side of a handshake for the
// CONNECT_REQUEST identified by connReqContext (the pendingRequest
// captured when the REQUEST arrived): it allocates a local connection
// ID, moves the connection to READY, and replies with acceptance.
func (t *Transport) Accept(epHandle transport.EndpointHandle, connReqContext any, appContext any) error {
	ue, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	pr, ok := connReqContext.(*pendingRequest)
	if !ok || pr == nil {
		return fmt.Errorf("udp: accept: invalid connect-request context")
	}

	localID, err := ue.ep.AllocConnID()
	if err != nil {
		return fmt.Errorf("udp: allocate connection id: %w", err)
	}
	conn := endpoint.NewConnection(ue.ep, localID, pr.attr)
	conn.PeerAddr = pr.peerAddr
	conn.Status = endpoint.StatusReady
	conn.ConnectContext = appContext
	ue.ep.AddConnection(conn)

	ue.mu.Lock()
	ue.connByAddr[pr.peerAddr] = localID
	delete(ue.pendingByAddr, pr.peerAddr)
	ue.mu.Unlock()

	reply := wire.ReplyPayload{Accepted: true, TargetConnID: localID, InitialSeq: conn.ExpectedSeq}
	body := make([]byte, wire.ReplyPayloadSize)
	wire.EncodeReplyPayload(body, reply)

	pkt := &wire.Packet{
		Header: wire.Header{
			Type:      wire.TypeReply,
			Attr:      wire.AttrBits(pr.attr),
			SrcConnID: localID,
			DstConnID: pr.remoteConnID,
		},
		Payload: body,
	}
	if err := t.sendPacket(ue, pr.peerAddr, pkt); err != nil {
		return err
	}

	conn.PeerID = pr.remoteConnID

	ue.ep.Events().Push(transport.Event{
		Kind:   transport.EventAccept,
		Accept: &transport.AcceptEvent{Status: string(acceptedStatus), Context: appContext, Conn: conn},
	})
	t.signal(ue)
	return nil
}

// Reject completes the server side of a handshake with a REJECT packet
// and drops the pending request's bookkeeping without allocating a
// connection.
func (t *Transport) Reject(epHandle transport.EndpointHandle, connReqContext any) error {
	ue, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	pr, ok := connReqContext.(*pendingRequest)
	if !ok || pr == nil {
		return fmt.Errorf("udp: reject: invalid connect-request context")
	}

	ue.mu.Lock()
	delete(ue.pendingByAddr, pr.peerAddr)
	ue.mu.Unlock()

	body := make([]byte, wire.RejectPayloadSize)
	wire.EncodeRejectPayload(body, 0)
	pkt := &wire.Packet{
		Header: wire.Header{Type: wire.TypeReject, Attr: wire.AttrBits(pr.attr), DstConnID: pr.remoteConnID},
		Payload: body,
	}
	return t.sendPacket(ue, pr.peerAddr, pkt)
}

// Disconnect releases a connection's local resources. Unlike the
// accept/reject handshake, no wire message is required: teardown is
// local-only bookkeeping; the peer discovers the loss via keepalive
// timeout or send failure.
func (t *Transport) Disconnect(connHandle transport.ConnHandle) error {
	ue, err := t.lookup(connHandle.EndpointID())
	if err != nil {
		return err
	}
	conn, ok := ue.ep.Connection(connHandle.LocalID())
	if !ok {
		return nil
	}
	conn.Lock()
	conn.Status = endpoint.StatusDisconnected
	conn.Unlock()

	ue.mu.Lock()
	delete(ue.connByAddr, conn.PeerAddr)
	ue.mu.Unlock()
	ue.ep.RemoveConnection(connHandle.LocalID())
	return nil
}

const acceptedStatus = "success"
