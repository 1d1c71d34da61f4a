package cci

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/opencci/gocci/internal/constants"
	"github.com/opencci/gocci/internal/endpoint"
	"github.com/opencci/gocci/internal/logging"
	"github.com/opencci/gocci/internal/transport"
	"github.com/opencci/gocci/internal/wire"
)

// MockTransport is an in-process loopback transport.Transport: every
// "wire" packet is handed directly between endpoints' in-memory queues
// instead of a real socket, so the reliable-transport, handshake, RMA,
// and progress-engine scenarios can be driven deterministically and
// fast, without network stack flakiness. Grounded on the in-process
// record-and-simulate shape of the reference mock backend, generalized
// from a single backend object to a full multi-endpoint transport.
//
// DropRate, set directly on the transport before CreateEndpoint, drops
// that fraction of MSG packets at send time (0 disables it) to exercise
// the retransmission and selective-ACK paths without a real lossy link.
type MockTransport struct {
	mu        sync.Mutex
	endpoints map[uint32]*mockEndpoint
	byURI     map[string]*mockEndpoint
	nextURI   int
	logger    *logging.Logger
	observer  transport.Observer

	DropRate float64
	rng      *rand.Rand
}

// NewMockTransport creates a loopback transport. log/obs may be nil.
func NewMockTransport(log *logging.Logger, obs transport.Observer) *MockTransport {
	if log == nil {
		log = logging.Default()
	}
	return &MockTransport{
		endpoints: make(map[uint32]*mockEndpoint),
		byURI:     make(map[string]*mockEndpoint),
		logger:    log,
		observer:  obs,
		rng:       rand.New(rand.NewSource(1)),
	}
}

type mockEndpoint struct {
	ep   *endpoint.Endpoint
	uri  string
	wake *mockWake

	mu            sync.Mutex
	connByAddr    map[string]uint32
	pendingByAddr map[string]*mockPendingRequest
	inbox         []mockDatagram
}

type mockDatagram struct {
	from string
	pkt  *wire.Packet
}

type mockPendingRequest struct {
	peerAddr     string
	attr         transport.Attribute
	payload      []byte
	remoteConnID uint32
}

// mockWake is a WakeHandle with no real file descriptor: FD returns -1
// since there is nothing to poll on a loopback transport; ArmWake/GetEvent
// callers must poll GetEvent directly instead.
type mockWake struct {
	signaled chan struct{}
}

func newMockWake() *mockWake {
	return &mockWake{signaled: make(chan struct{}, 1)}
}

func (w *mockWake) FD() int { return -1 }
func (w *mockWake) Close() error {
	return nil
}
func (w *mockWake) Signal() {
	select {
	case w.signaled <- struct{}{}:
	default:
	}
}

func (t *MockTransport) Init(abiVersion int, flags uint32) (transport.Caps, error) {
	if abiVersion != constants.ABIVersion {
		return transport.Caps{}, fmt.Errorf("mock: abi version mismatch")
	}
	return transport.Caps{
		ThreadSafe: true,
		Devices:    []transport.DeviceInfo{{Name: "loopback0", Transport: "mock", Priority: constants.DefaultPriority, Up: true, MaxSendSize: constants.DefaultMaxSendSize}},
	}, nil
}

func (t *MockTransport) CreateEndpoint(deviceName string, serviceHint string) (transport.EndpointHandle, transport.WakeHandle, error) {
	ep, err := endpoint.New(endpoint.Config{
		DeviceName:   deviceName,
		MaxSendSize:  constants.DefaultMaxSendSize,
		SendBufCount: constants.DefaultSendBufCount,
		RecvBufCount: constants.DefaultRecvBufCount,
		Logger:       t.logger,
		Observer:     t.observer,
	})
	if err != nil {
		return nil, nil, err
	}
	wake := newMockWake()
	ep.SetWakeHandle(wake)

	t.mu.Lock()
	t.nextURI++
	uri := serviceHint
	if uri == "" {
		uri = fmt.Sprintf("mock://ep%d", t.nextURI)
	}
	me := &mockEndpoint{
		ep:            ep,
		uri:           uri,
		wake:          wake,
		connByAddr:    make(map[string]uint32),
		pendingByAddr: make(map[string]*mockPendingRequest),
	}
	t.endpoints[ep.ID()] = me
	t.byURI[uri] = me
	t.mu.Unlock()

	return ep, wake, nil
}

func (t *MockTransport) DestroyEndpoint(epHandle transport.EndpointHandle) error {
	me, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.endpoints, me.ep.ID())
	delete(t.byURI, me.uri)
	t.mu.Unlock()
	return me.ep.Close()
}

func (t *MockTransport) lookup(epID uint32) (*mockEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	me, ok := t.endpoints[epID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown endpoint %d", epID)
	}
	return me, nil
}

func (t *MockTransport) lookupByURI(uri string) (*mockEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	me, ok := t.byURI[uri]
	if !ok {
		return nil, fmt.Errorf("mock: unknown peer %q", uri)
	}
	return me, nil
}

// deliver places pkt in dst's inbox, as if it had arrived over the
// wire from src's URI. MSG packets are dropped at DropRate to simulate
// a lossy link.
func (t *MockTransport) deliver(srcURI string, dst *mockEndpoint, pkt *wire.Packet) {
	if pkt.Type == wire.TypeMsg {
		t.mu.Lock()
		drop := t.DropRate > 0 && t.rng.Float64() < t.DropRate
		t.mu.Unlock()
		if drop {
			return
		}
	}
	dst.mu.Lock()
	dst.inbox = append(dst.inbox, mockDatagram{from: srcURI, pkt: pkt})
	dst.mu.Unlock()
	dst.wake.Signal()
}

func (t *MockTransport) Connect(epHandle transport.EndpointHandle, serverURI string, payload []byte, attr transport.Attribute, appContext any, flags transport.SendFlags, timeout *time.Duration) error {
	me, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}

	localID, err := me.ep.AllocConnID()
	if err != nil {
		return err
	}
	conn := endpoint.NewConnection(me.ep, localID, attr)
	conn.PeerAddr = serverURI
	conn.Status = endpoint.StatusRequested
	conn.ConnectContext = appContext
	conn.PendingPayload = append([]byte(nil), payload...)
	d := constants.DefaultConnectTimeout
	if timeout != nil {
		d = *timeout
	}
	conn.ConnectDeadline = time.Now().Add(d)
	me.ep.AddConnection(conn)

	me.mu.Lock()
	me.connByAddr[serverURI] = localID
	me.mu.Unlock()

	pkt := &wire.Packet{Header: wire.Header{Type: wire.TypeRequest, Attr: wire.AttrBits(attr), SrcConnID: localID}, Payload: payload}
	// A URI no endpoint listens on behaves like a link that silently
	// drops the REQUEST: the connect then times out.
	if peer, err := t.lookupByURI(serverURI); err == nil {
		t.deliver(me.uri, peer, pkt)
	}
	return nil
}

func (t *MockTransport) Accept(epHandle transport.EndpointHandle, connReqContext any, appContext any) error {
	me, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	pr, ok := connReqContext.(*mockPendingRequest)
	if !ok || pr == nil {
		return fmt.Errorf("mock: accept: invalid connect-request context")
	}
	localID, err := me.ep.AllocConnID()
	if err != nil {
		return err
	}
	conn := endpoint.NewConnection(me.ep, localID, pr.attr)
	conn.PeerAddr = pr.peerAddr
	conn.PeerID = pr.remoteConnID
	conn.Status = endpoint.StatusReady
	conn.ConnectContext = appContext
	me.ep.AddConnection(conn)

	me.mu.Lock()
	me.connByAddr[pr.peerAddr] = localID
	delete(me.pendingByAddr, pr.peerAddr)
	me.mu.Unlock()

	peer, err := t.lookupByURI(pr.peerAddr)
	if err != nil {
		return err
	}
	reply := wire.ReplyPayload{Accepted: true, TargetConnID: localID, InitialSeq: conn.ExpectedSeq}
	body := make([]byte, wire.ReplyPayloadSize)
	wire.EncodeReplyPayload(body, reply)
	pkt := &wire.Packet{Header: wire.Header{Type: wire.TypeReply, SrcConnID: localID, DstConnID: pr.remoteConnID}, Payload: body}
	t.deliver(me.uri, peer, pkt)

	me.ep.Events().Push(transport.Event{Kind: transport.EventAccept, Accept: &transport.AcceptEvent{Status: string(StatusSuccess), Context: appContext, Conn: conn}})
	me.wake.Signal()
	return nil
}

func (t *MockTransport) Reject(epHandle transport.EndpointHandle, connReqContext any) error {
	me, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	pr, ok := connReqContext.(*mockPendingRequest)
	if !ok || pr == nil {
		return fmt.Errorf("mock: reject: invalid connect-request context")
	}
	me.mu.Lock()
	delete(me.pendingByAddr, pr.peerAddr)
	me.mu.Unlock()

	peer, err := t.lookupByURI(pr.peerAddr)
	if err != nil {
		return err
	}
	body := make([]byte, wire.RejectPayloadSize)
	wire.EncodeRejectPayload(body, 0)
	pkt := &wire.Packet{Header: wire.Header{Type: wire.TypeReject, DstConnID: pr.remoteConnID}, Payload: body}
	t.deliver(me.uri, peer, pkt)
	return nil
}

func (t *MockTransport) Disconnect(connHandle transport.ConnHandle) error {
	me, err := t.lookup(connHandle.EndpointID())
	if err != nil {
		return err
	}
	conn, ok := me.ep.Connection(connHandle.LocalID())
	if !ok {
		return nil
	}
	conn.Lock()
	conn.Status = endpoint.StatusDisconnected
	conn.Unlock()
	me.mu.Lock()
	delete(me.connByAddr, conn.PeerAddr)
	me.mu.Unlock()
	me.ep.RemoveConnection(connHandle.LocalID())
	return nil
}

func (t *MockTransport) Send(connHandle transport.ConnHandle, msg []byte, appContext any, flags transport.SendFlags) error {
	return t.sendOne(connHandle, msg, appContext, flags)
}

func (t *MockTransport) Sendv(connHandle transport.ConnHandle, iov [][]byte, appContext any, flags transport.SendFlags) error {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	flat := make([]byte, 0, total)
	for _, b := range iov {
		flat = append(flat, b...)
	}
	return t.sendOne(connHandle, flat, appContext, flags)
}

func (t *MockTransport) sendOne(connHandle transport.ConnHandle, msg []byte, appContext any, flags transport.SendFlags) error {
	me, err := t.lookup(connHandle.EndpointID())
	if err != nil {
		return err
	}
	conn, ok := me.ep.Connection(connHandle.LocalID())
	if !ok {
		return fmt.Errorf("mock: send: unknown connection")
	}
	peer, err := t.lookupByURI(conn.PeerAddr)
	if err != nil {
		return err
	}

	conn.Lock()
	payload := append([]byte(nil), msg...)
	if !conn.Attr.Reliable() {
		pkt := &wire.Packet{Header: wire.Header{Type: wire.TypeMsg, Attr: wire.AttrBits(conn.Attr), SrcConnID: connHandle.LocalID(), DstConnID: conn.PeerID}, Payload: payload}
		conn.Unlock()
		t.deliver(me.uri, peer, pkt)
		if obs := me.ep.Observer(); obs != nil {
			obs.ObserveSend(uint64(len(payload)), string(StatusSuccess))
		}
		me.ep.Events().Push(transport.Event{Kind: transport.EventSend, Send: &transport.SendEvent{Status: string(StatusSuccess), Context: appContext, Conn: conn}})
		me.wake.Signal()
		return nil
	}

	tx := &endpoint.TXDescriptor{
		Payload: payload,
		Context: appContext,
		Flags:   flags,
		Completion: func(status string) {
			if obs := me.ep.Observer(); obs != nil {
				obs.ObserveSend(uint64(len(payload)), status)
			}
			me.ep.Events().Push(transport.Event{Kind: transport.EventSend, Send: &transport.SendEvent{Status: status, Context: appContext, Conn: conn}})
			me.wake.Signal()
		},
	}
	conn.Enqueue(tx)
	pkt := &wire.Packet{Header: wire.Header{
		Type: wire.TypeMsg, Attr: wire.AttrBits(conn.Attr), SrcConnID: connHandle.LocalID(), DstConnID: conn.PeerID,
		Seq: tx.Seq, CumAck: conn.ExpectedSeq - 1, SelAckBits: conn.SelectiveAckBitmap(),
	}, Payload: payload}
	conn.Unlock()
	t.deliver(me.uri, peer, pkt)
	return nil
}

func (t *MockTransport) RMARegister(epHandle transport.EndpointHandle, buf []byte, flags transport.RMAFlags) (transport.RMAHandle, error) {
	me, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return nil, err
	}
	return me.ep.RMA().Register(buf, flags), nil
}

func (t *MockTransport) RMADeregister(h transport.RMAHandle) error {
	reg, ok := h.(*endpoint.RMARegistration)
	if !ok {
		return fmt.Errorf("mock: rma_deregister: handle not from this transport")
	}
	reg.Deregister()
	return nil
}

func (t *MockTransport) RMA(connHandle transport.ConnHandle, op transport.RMAFlags, localHandle transport.RMAHandle, localOffset uint64, remoteHandle [4]uint64, remoteOffset uint64, length uint64, completionMsg []byte, appContext any, flags transport.SendFlags) error {
	me, err := t.lookup(connHandle.EndpointID())
	if err != nil {
		return err
	}
	conn, ok := me.ep.Connection(connHandle.LocalID())
	if !ok {
		return fmt.Errorf("mock: rma: unknown connection")
	}
	local, ok := localHandle.(*endpoint.RMARegistration)
	if !ok {
		return fmt.Errorf("mock: rma: local handle not from this transport")
	}

	peer, err := t.lookupByURI(conn.PeerAddr)
	if err != nil {
		return err
	}

	isRead := op&transport.RMARead != 0
	pktType := wire.TypeRMAWrite
	if isRead {
		pktType = wire.TypeRMAReadReq
	}

	maxFrag := uint64(me.ep.MaxSendSize())
	if maxFrag == 0 {
		maxFrag = 4096
	}
	for off := uint64(0); off < length; off += maxFrag {
		n := maxFrag
		if off+n > length {
			n = length - off
		}
		if !local.BeginFragment() {
			return fmt.Errorf("mock: rma: local handle deregistered")
		}

		frag := wire.FragmentHeader{RemoteToken: remoteHandle[0], RemoteOffset: remoteOffset + off, OpOffset: off}
		hdr := make([]byte, wire.FragmentHeaderSize)
		var body []byte
		if isRead {
			// EndFragment happens when this fragment's RMA_READ_REPLY
			// arrives, in handleRMA's TypeRMAReadReply case.
			frag.ReplyToken = local.Token()
			frag.ReplyOffset = localOffset + off
			frag.Length = n
			wire.EncodeFragmentHeader(hdr, frag)
			body = hdr
		} else {
			wire.EncodeFragmentHeader(hdr, frag)
			body = append(hdr, local.Buffer[localOffset+off:localOffset+off+n]...)
			local.EndFragment(me.ep.RMA())
		}

		pkt := &wire.Packet{Header: wire.Header{Type: pktType, SrcConnID: connHandle.LocalID(), DstConnID: conn.PeerID}, Payload: body}
		t.deliver(me.uri, peer, pkt)
	}

	if op&transport.RMAFence != 0 || len(completionMsg) > 0 {
		return t.sendOne(connHandle, completionMsg, appContext, flags)
	}
	me.ep.Events().Push(transport.Event{Kind: transport.EventSend, Send: &transport.SendEvent{Status: string(StatusSuccess), Context: appContext, Conn: conn}})
	me.wake.Signal()
	return nil
}

func (t *MockTransport) GetEvent(epHandle transport.EndpointHandle) (transport.Event, error) {
	me, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return transport.Event{}, err
	}
	t.progress(me)
	ev, ok := me.ep.Events().Pop()
	if !ok {
		return transport.Event{}, fmt.Errorf("mock: no event ready")
	}
	return ev, nil
}

func (t *MockTransport) ReturnEvent(ev transport.Event) error {
	var epID uint32
	switch ev.Kind {
	case transport.EventRecv:
		epID = ev.Recv.Conn.EndpointID()
	case transport.EventConnect:
		if ev.Connect.Conn != nil {
			epID = ev.Connect.Conn.EndpointID()
		}
	case transport.EventSend:
		epID = ev.Send.Conn.EndpointID()
	case transport.EventAccept:
		epID = ev.Accept.Conn.EndpointID()
	case transport.EventConnectRequest:
		epID = ev.ConnectRequest.EndpointID
	case transport.EventKeepaliveTimedOut:
		epID = ev.KeepaliveTimeout.Conn.EndpointID()
	}
	if epID == 0 {
		return nil
	}
	me, err := t.lookup(epID)
	if err != nil {
		return err
	}
	if !me.ep.Events().Return(ev, me.ep.RXPool()) {
		return fmt.Errorf("mock: return_event: CONNECT_REQUEST not yet accepted or rejected")
	}
	return nil
}

func (t *MockTransport) ArmWake(epHandle transport.EndpointHandle, flags uint32) error {
	_, err := t.lookup(epHandle.EndpointID())
	return err
}

func (t *MockTransport) SetOpt(handle any, name transport.OptName, value any) error {
	conn, ok := handle.(transport.ConnHandle)
	if !ok {
		return fmt.Errorf("mock: set_opt: unsupported handle")
	}
	me, err := t.lookup(conn.EndpointID())
	if err != nil {
		return err
	}
	c, ok := me.ep.Connection(conn.LocalID())
	if !ok {
		return fmt.Errorf("mock: set_opt: unknown connection")
	}
	c.Lock()
	defer c.Unlock()
	d, _ := value.(int64)
	switch name {
	case transport.OptConnSendTimeout:
		c.SendTimeout = time.Duration(d) * time.Microsecond
	case transport.OptConnKeepaliveTimeout:
		c.Keepalive = time.Duration(d) * time.Microsecond
	default:
		return fmt.Errorf("mock: set_opt: option not valid for a connection")
	}
	return nil
}

func (t *MockTransport) GetOpt(handle any, name transport.OptName) (any, error) {
	switch h := handle.(type) {
	case transport.ConnHandle:
		me, err := t.lookup(h.EndpointID())
		if err != nil {
			return nil, err
		}
		c, ok := me.ep.Connection(h.LocalID())
		if !ok {
			return nil, fmt.Errorf("mock: get_opt: unknown connection")
		}
		c.Lock()
		defer c.Unlock()
		switch name {
		case transport.OptConnSendTimeout:
			return int64(c.SendTimeout / time.Microsecond), nil
		case transport.OptConnKeepaliveTimeout:
			return int64(c.Keepalive / time.Microsecond), nil
		default:
			return nil, fmt.Errorf("mock: get_opt: option not valid for a connection")
		}
	case transport.EndpointHandle:
		me, err := t.lookup(h.EndpointID())
		if err != nil {
			return nil, err
		}
		switch name {
		case transport.OptEndpointURI:
			return me.uri, nil
		case transport.OptEndpointTXPoolFree:
			return me.ep.TXPool().Free(), nil
		case transport.OptEndpointRXPoolFree:
			return me.ep.RXPool().Free(), nil
		case transport.OptEndpointRMAAlign:
			return uint32(constants.RMAAlignment), nil
		default:
			return nil, fmt.Errorf("mock: get_opt: option not valid for an endpoint")
		}
	default:
		return nil, fmt.Errorf("mock: get_opt: unsupported handle type")
	}
}

// progress drains me's inbox and ticks its connections, the loopback
// analogue of the UDP transport's socket-draining progress pass.
func (t *MockTransport) progress(me *mockEndpoint) {
	me.mu.Lock()
	inbox := me.inbox
	me.inbox = nil
	me.mu.Unlock()

	for _, dg := range inbox {
		t.handle(me, dg.from, dg.pkt)
	}
	t.tick(me)
}

func (t *MockTransport) handle(me *mockEndpoint, fromURI string, pkt *wire.Packet) {
	switch pkt.Type {
	case wire.TypeRequest:
		me.mu.Lock()
		if _, dup := me.pendingByAddr[fromURI]; dup {
			me.mu.Unlock()
			return
		}
		pr := &mockPendingRequest{peerAddr: fromURI, attr: transport.Attribute(pkt.Attr), payload: append([]byte(nil), pkt.Payload...), remoteConnID: pkt.SrcConnID}
		me.pendingByAddr[fromURI] = pr
		me.mu.Unlock()
		me.ep.Events().Push(transport.Event{Kind: transport.EventConnectRequest, ConnectRequest: &transport.ConnectRequestEvent{
			EndpointID: me.ep.ID(), Attribute: pr.attr, Data: pr.payload, Len: len(pr.payload), Context: pr,
		}})
		me.wake.Signal()
	case wire.TypeReply:
		me.mu.Lock()
		localID, ok := me.connByAddr[fromURI]
		me.mu.Unlock()
		if !ok {
			return
		}
		conn, ok := me.ep.Connection(localID)
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
			me.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: string(StatusConnRefused), Context: ctx}})
			me.wake.Signal()
			return
		}
		conn.PeerID = reply.TargetConnID
		conn.ExpectedSeq = reply.InitialSeq
		conn.Status = endpoint.StatusReady
		ctx := conn.ConnectContext
		conn.Unlock()
		me.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: string(StatusSuccess), Context: ctx, Conn: conn}})
		me.wake.Signal()
	case wire.TypeReject:
		me.mu.Lock()
		localID, ok := me.connByAddr[fromURI]
		delete(me.connByAddr, fromURI)
		me.mu.Unlock()
		if !ok {
			return
		}
		conn, ok := me.ep.Connection(localID)
		if !ok {
			return
		}
		conn.Lock()
		conn.Status = endpoint.StatusRejected
		ctx := conn.ConnectContext
		conn.Unlock()
		me.ep.RemoveConnection(localID)
		me.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: string(StatusConnRefused), Context: ctx}})
		me.wake.Signal()
	case wire.TypeMsg:
		t.handleMsg(me, pkt)
	case wire.TypeAck:
		conn, ok := me.ep.Connection(pkt.DstConnID)
		if !ok {
			return
		}
		conn.Lock()
		completed := conn.ProcessAck(pkt.CumAck, pkt.SelAckBits)
		conn.Unlock()
		if obs := me.ep.Observer(); obs != nil {
			obs.ObserveAck(pkt.SelAckBits != 0)
		}
		for _, tx := range completed {
			if tx.Completion != nil {
				tx.Completion(string(StatusSuccess))
			}
		}
	case wire.TypeNackRNR:
		if conn, ok := me.ep.Connection(pkt.DstConnID); ok {
			conn.Lock()
			conn.RNR = true
			conn.Unlock()
			if obs := me.ep.Observer(); obs != nil {
				obs.ObserveRNR()
			}
		}
	case wire.TypeRMAWrite, wire.TypeRMAReadReq, wire.TypeRMAReadReply:
		t.handleRMA(me, pkt)
	}
}

// handleRMA services one RMA fragment, the loopback analogue of
// internal/udp's handleRMA: a WRITE copies its payload straight into
// the target registration's buffer; a READ_REQ copies the requested
// range out and answers with a READ_REPLY carrying the requester's own
// ReplyToken/ReplyOffset back unchanged; a READ_REPLY copies the
// returned bytes into the local registration the original READ_REQ
// named.
func (t *MockTransport) handleRMA(me *mockEndpoint, pkt *wire.Packet) {
	frag, err := wire.DecodeFragmentHeader(pkt.Payload)
	if err != nil {
		return
	}

	switch pkt.Type {
	case wire.TypeRMAWrite:
		reg, ok := me.ep.RMA().Lookup(frag.RemoteToken)
		if !ok {
			return
		}
		if !reg.BeginFragment() {
			return
		}
		defer reg.EndFragment(me.ep.RMA())
		data := pkt.Payload[wire.FragmentHeaderSize:]
		n := copy(reg.Buffer[frag.RemoteOffset:], data)
		if obs := me.ep.Observer(); obs != nil {
			obs.ObserveRMA(uint64(n), "write")
		}

	case wire.TypeRMAReadReq:
		reg, ok := me.ep.RMA().Lookup(frag.RemoteToken)
		if !ok {
			return
		}
		conn, ok := me.ep.Connection(pkt.DstConnID)
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
		reg.EndFragment(me.ep.RMA())

		replyHdr := make([]byte, wire.FragmentHeaderSize)
		wire.EncodeFragmentHeader(replyHdr, wire.FragmentHeader{
			RemoteToken:  frag.ReplyToken,
			RemoteOffset: frag.ReplyOffset,
			OpOffset:     frag.OpOffset,
		})
		peer, err := t.lookupByURI(conn.PeerAddr)
		if err != nil {
			return
		}
		reply := &wire.Packet{
			Header:  wire.Header{Type: wire.TypeRMAReadReply, SrcConnID: conn.LocalID(), DstConnID: conn.PeerID},
			Payload: append(replyHdr, data...),
		}
		t.deliver(me.uri, peer, reply)
		if obs := me.ep.Observer(); obs != nil {
			obs.ObserveRMA(uint64(len(data)), "read")
		}

	case wire.TypeRMAReadReply:
		reg, ok := me.ep.RMA().Lookup(frag.RemoteToken)
		if !ok {
			return
		}
		data := pkt.Payload[wire.FragmentHeaderSize:]
		copy(reg.Buffer[frag.RemoteOffset:], data)
		reg.EndFragment(me.ep.RMA())
	}
}

func (t *MockTransport) handleMsg(me *mockEndpoint, pkt *wire.Packet) {
	conn, ok := me.ep.Connection(pkt.DstConnID)
	if !ok {
		return
	}
	conn.Lock()
	rxFree := me.ep.RXPool().Free() > 0
	decision, flushed := conn.ReceiveMsg(pkt.Seq, pkt.Payload, rxFree)
	cumAck, selBits := conn.ExpectedSeq-1, conn.SelectiveAckBitmap()
	localID, peerID, peerAddr := conn.LocalID(), conn.PeerID, conn.PeerAddr
	conn.Unlock()

	peer, err := t.lookupByURI(peerAddr)
	if err != nil {
		return
	}

	switch decision {
	case endpoint.RecvDeliver:
		t.deliverRecv(me, conn, pkt.Payload)
		for _, p := range flushed {
			t.deliverRecv(me, conn, p)
		}
		ack := &wire.Packet{Header: wire.Header{Type: wire.TypeAck, SrcConnID: localID, DstConnID: peerID, CumAck: cumAck, SelAckBits: selBits}}
		t.deliver(me.uri, peer, ack)
	case endpoint.RecvBufferedRU:
		t.deliverRecv(me, conn, pkt.Payload)
		ack := &wire.Packet{Header: wire.Header{Type: wire.TypeAck, SrcConnID: localID, DstConnID: peerID, CumAck: cumAck, SelAckBits: selBits}}
		t.deliver(me.uri, peer, ack)
	case endpoint.RecvBuffered:
		ack := &wire.Packet{Header: wire.Header{Type: wire.TypeAck, SrcConnID: localID, DstConnID: peerID, CumAck: cumAck, SelAckBits: selBits}}
		t.deliver(me.uri, peer, ack)
	case endpoint.RecvRNR:
		nack := &wire.Packet{Header: wire.Header{Type: wire.TypeNackRNR, SrcConnID: localID, DstConnID: peerID, Seq: pkt.Seq}}
		t.deliver(me.uri, peer, nack)
	}
}

func (t *MockTransport) deliverRecv(me *mockEndpoint, conn *endpoint.Connection, payload []byte) {
	_, idx, ok := me.ep.RXPool().Get()
	var lease uint64
	if ok {
		lease = me.ep.Events().NewLease(idx)
	}
	me.ep.Events().Push(transport.Event{Kind: transport.EventRecv, Recv: &transport.RecvEvent{Data: append([]byte(nil), payload...), Conn: conn, LeaseToken: lease}})
	if obs := me.ep.Observer(); obs != nil {
		obs.ObserveRecv(uint64(len(payload)))
	}
	me.wake.Signal()
}

func (t *MockTransport) tick(me *mockEndpoint) {
	now := time.Now()
	for _, conn := range me.ep.Connections() {
		conn.Lock()
		if conn.Status == endpoint.StatusRequested && !conn.ConnectDeadline.IsZero() && now.After(conn.ConnectDeadline) {
			conn.Status = endpoint.StatusFailed
			ctx := conn.ConnectContext
			conn.Unlock()
			me.ep.Events().Push(transport.Event{Kind: transport.EventConnect, Connect: &transport.ConnectEvent{Status: string(StatusTimedOut), Context: ctx}})
			me.wake.Signal()
			continue
		}
		if conn.Status != endpoint.StatusReady {
			conn.Unlock()
			continue
		}
		resend, timedOut := conn.DueRetransmits(now)
		localID, peerID, peerAddr, attr := conn.LocalID(), conn.PeerID, conn.PeerAddr, conn.Attr
		keepalive, lastActivity := conn.Keepalive, conn.LastActivity
		conn.Unlock()

		// A keepalive timeout disarms the period and reports to the
		// application; it does not decide the connection is broken, so
		// the connection stays READY with its resources intact.
		if keepalive > 0 && now.Sub(lastActivity) >= keepalive*3 {
			conn.Lock()
			conn.Keepalive = 0
			conn.Unlock()
			if obs := me.ep.Observer(); obs != nil {
				obs.ObserveKeepaliveTimeout()
			}
			me.ep.Events().Push(transport.Event{Kind: transport.EventKeepaliveTimedOut, KeepaliveTimeout: &transport.KeepaliveTimeoutEvent{Conn: conn}})
			me.wake.Signal()
		}

		if peer, err := t.lookupByURI(peerAddr); err == nil {
			for _, tx := range resend {
				pkt := &wire.Packet{Header: wire.Header{Type: wire.TypeMsg, Attr: wire.AttrBits(attr), SrcConnID: localID, DstConnID: peerID, Seq: tx.Seq}, Payload: tx.Payload}
				t.deliver(me.uri, peer, pkt)
				if obs := me.ep.Observer(); obs != nil {
					obs.ObserveRetransmit()
				}
			}
		}
		for _, tx := range timedOut {
			conn.Lock()
			rnr := conn.RNR
			conn.Unlock()
			status := string(StatusTimedOut)
			if rnr {
				status = string(StatusRNR)
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
	}
}

var _ transport.Transport = (*MockTransport)(nil)
