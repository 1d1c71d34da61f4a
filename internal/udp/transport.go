// Package udp implements the CCI reference transport over UDP
// datagrams: the plugin contract of internal/transport backed by
// internal/endpoint's buffer pools, connection table, reliable engine,
// and RMA table, framed on the wire by internal/wire.
package udp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/opencci/gocci/internal/constants"
	"github.com/opencci/gocci/internal/endpoint"
	"github.com/opencci/gocci/internal/logging"
	"github.com/opencci/gocci/internal/transport"
)

// Transport implements transport.Transport over net.PacketConn/UDP.
type Transport struct {
	mu        sync.RWMutex
	endpoints map[uint32]*udpEndpoint
	logger    *logging.Logger
	observer  transport.Observer
}

// New creates a UDP transport instance. log/obs may be nil.
func New(log *logging.Logger, obs transport.Observer) *Transport {
	if log == nil {
		log = logging.Default()
	}
	return &Transport{
		endpoints: make(map[uint32]*udpEndpoint),
		logger:    log,
		observer:  obs,
	}
}

// udpEndpoint bundles an endpoint.Endpoint with the UDP socket and wake
// handle that back it, plus the bookkeeping needed to dispatch arriving
// datagrams to the right connection and to match REQUEST sources to
// not-yet-accepted CONNECT_REQUEST events.
type udpEndpoint struct {
	ep   *endpoint.Endpoint
	conn net.PacketConn
	wake *wakeHandle
	uri  string

	mu           sync.Mutex
	connByAddr   map[string]uint32 // peer addr string -> local conn ID, once handshaken
	pendingByAddr map[string]*pendingRequest
}

// pendingRequest tracks an inbound REQUEST awaiting accept/reject.
type pendingRequest struct {
	peerAddr     string
	attr         transport.Attribute
	payload      []byte
	remoteConnID uint32 // the requester's SrcConnID, echoed back as REPLY's DstConnID
	event        *transport.ConnectRequestEvent
}

func (t *Transport) Init(abiVersion int, flags uint32) (transport.Caps, error) {
	if abiVersion != constants.ABIVersion {
		return transport.Caps{}, fmt.Errorf("udp: abi version mismatch: got %d want %d", abiVersion, constants.ABIVersion)
	}
	return transport.Caps{
		ThreadSafe: true,
		Devices: []transport.DeviceInfo{
			{Name: "udp0", Transport: "udp", Priority: constants.DefaultPriority, Up: true, MaxSendSize: constants.DefaultMaxSendSize},
		},
	}, nil
}

func (t *Transport) CreateEndpoint(deviceName string, serviceHint string) (transport.EndpointHandle, transport.WakeHandle, error) {
	addr := serviceHint
	if addr == "" {
		addr = "0.0.0.0:0"
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("udp: listen: %w", err)
	}

	ep, err := endpoint.New(endpoint.Config{
		DeviceName:   deviceName,
		MaxSendSize:  constants.DefaultMaxSendSize,
		SendBufCount: constants.DefaultSendBufCount,
		RecvBufCount: constants.DefaultRecvBufCount,
		Logger:       t.logger,
		Observer:     t.observer,
	})
	if err != nil {
		pc.Close()
		return nil, nil, err
	}

	wake, err := newWakeHandle(pc)
	if err != nil {
		pc.Close()
		_ = ep.Close()
		return nil, nil, err
	}
	ep.SetWakeHandle(wake)

	ue := &udpEndpoint{
		ep:            ep,
		conn:          pc,
		wake:          wake,
		uri:           "udp://" + pc.LocalAddr().String(),
		connByAddr:    make(map[string]uint32),
		pendingByAddr: make(map[string]*pendingRequest),
	}

	t.mu.Lock()
	t.endpoints[ep.ID()] = ue
	t.mu.Unlock()

	return ep, wake, nil
}

func (t *Transport) DestroyEndpoint(epHandle transport.EndpointHandle) error {
	ue, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.endpoints, ue.ep.ID())
	t.mu.Unlock()

	ue.conn.Close()
	return ue.ep.Close()
}

func (t *Transport) lookup(epID uint32) (*udpEndpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ue, ok := t.endpoints[epID]
	if !ok {
		return nil, fmt.Errorf("udp: unknown endpoint %d", epID)
	}
	return ue, nil
}

func (t *Transport) GetEvent(epHandle transport.EndpointHandle) (transport.Event, error) {
	ue, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return transport.Event{}, err
	}
	t.progress(ue)

	ev, ok := ue.ep.Events().Pop()
	if !ok {
		return transport.Event{}, errNoEvent
	}
	return ev, nil
}

func (t *Transport) ReturnEvent(ev transport.Event) error {
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
	case transport.EventDeviceFailed:
		epID = ev.DeviceFailed.EndpointID
	}
	if epID == 0 {
		return nil
	}
	ue, err := t.lookup(epID)
	if err != nil {
		return err
	}
	if !ue.ep.Events().Return(ev, ue.ep.RXPool()) {
		return fmt.Errorf("udp: return_event: CONNECT_REQUEST not yet accepted or rejected")
	}
	return nil
}

func (t *Transport) ArmWake(epHandle transport.EndpointHandle, flags uint32) error {
	ue, err := t.lookup(epHandle.EndpointID())
	if err != nil {
		return err
	}
	ue.wake.Rearm()
	return nil
}

func parseHostPort(uri string) (string, error) {
	addr := strings.TrimPrefix(uri, "udp://")
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("udp: bad uri %q: %w", uri, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("udp: bad port in uri %q", uri)
	}
	return net.JoinHostPort(host, port), nil
}

var errNoEvent = fmt.Errorf("udp: no event ready")
