// Package cci implements the Common Communications Interface: a
// transport-agnostic connection and messaging layer with reliable and
// unreliable send paths, remote memory access, and a non-blocking
// event/progress model.
package cci

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opencci/gocci/internal/config"
	"github.com/opencci/gocci/internal/constants"
	"github.com/opencci/gocci/internal/logging"
	"github.com/opencci/gocci/internal/transport"
	"github.com/opencci/gocci/internal/udp"
)

// Endpoint is the public handle returned by CreateEndpoint: an open
// local communication point bound to one device.
type Endpoint struct {
	handle transport.EndpointHandle
	wake   transport.WakeHandle
	t      transport.Transport
	uri    string
}

// Connection is the public handle returned by the connect/accept
// handshake: one reliable or unreliable peer relationship.
type Connection struct {
	handle transport.ConnHandle
	ep     *Endpoint
}

// RMAHandle is the public handle returned by RMARegister.
type RMAHandle struct {
	handle transport.RMAHandle
	ep     *Endpoint
}

// Event wraps the transport's tagged union so callers don't import
// internal/transport directly.
type Event struct {
	transport.Event
}

// service is the process-wide state Init sets up: the transport
// registry, the config-file device list, and the flags the first Init
// call was made with.
type service struct {
	mu        sync.Mutex
	inited    bool
	abiFlags  uint32
	transport transport.Transport
	devices   []transport.DeviceInfo
	registry  *config.Registry
	logger    *logging.Logger
	observer  transport.Observer
}

var svc service

// Init initializes the CCI library: verifies the ABI version, loads
// the device configuration (if CCI_CONFIG is set), and creates the
// reference UDP transport. A
// second Init call with a flag set that is a subset of the first
// succeeds as a no-op; a superset or incompatible flag set fails
// INVALID.
func Init(abiVersion int, flags uint32, logger *logging.Logger, observer transport.Observer) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.inited {
		if flags&^svc.abiFlags != 0 {
			return NewError("init", StatusInvalid, "flags incompatible with prior init")
		}
		return nil
	}

	if abiVersion != constants.ABIVersion {
		return NewError("init", StatusInvalid, fmt.Sprintf("unsupported abi version %d", abiVersion))
	}

	if logger == nil {
		logger = logging.Default()
	}

	tp := udp.New(logger, observer)
	caps, err := tp.Init(abiVersion, flags)
	if err != nil {
		return WrapError("init", err)
	}

	devices := caps.Devices
	if reg, rerr := loadRegistry(); rerr == nil {
		for _, d := range reg.All() {
			devices = append(devices, transport.DeviceInfo{
				Name:      d.Name,
				Transport: d.Transport,
				Priority:  d.Priority,
				Up:        true,
			})
		}
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].Priority > devices[j].Priority })

	svc.inited = true
	svc.abiFlags = flags
	svc.transport = tp
	svc.devices = devices
	svc.logger = logger
	svc.observer = observer
	return nil
}

func loadRegistry() (*config.Registry, error) {
	devices, err := config.Load()
	if err != nil {
		return nil, err
	}
	return config.NewRegistry(devices), nil
}

// Finalize releases process-wide CCI state. Endpoints the caller failed
// to destroy are leaked.
func Finalize() error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.inited = false
	svc.transport = nil
	svc.devices = nil
	svc.registry = nil
	return nil
}

// GetDevices returns the device list discovered at Init, highest
// priority first.
func GetDevices() ([]transport.DeviceInfo, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.inited {
		return nil, NewError("get_devices", StatusInvalid, "cci not initialized")
	}
	out := make([]transport.DeviceInfo, len(svc.devices))
	copy(out, svc.devices)
	return out, nil
}

func currentTransport() (transport.Transport, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if !svc.inited {
		return nil, NewError("", StatusInvalid, "cci not initialized")
	}
	return svc.transport, nil
}

// CreateEndpoint opens an endpoint on the named device using an
// OS-assigned service address.
func CreateEndpoint(deviceName string) (*Endpoint, error) {
	return CreateEndpointAt(deviceName, "")
}

// CreateEndpointAt opens an endpoint bound to a specific service hint
// (host:port), for servers that must listen on a known address.
func CreateEndpointAt(deviceName string, serviceHint string) (*Endpoint, error) {
	tp, err := currentTransport()
	if err != nil {
		return nil, err
	}
	handle, wake, err := tp.CreateEndpoint(deviceName, serviceHint)
	if err != nil {
		return nil, WrapError("create_endpoint", err)
	}
	uri, _ := tp.GetOpt(handle, transport.OptEndpointURI)
	uriStr, _ := uri.(string)
	return &Endpoint{handle: handle, wake: wake, t: tp, uri: uriStr}, nil
}

// DestroyEndpoint closes ep and invalidates every connection, RMA
// handle, and queued event it owns.
func DestroyEndpoint(ep *Endpoint) error {
	if ep == nil {
		return NewError("destroy_endpoint", StatusInvalid, "nil endpoint")
	}
	if err := ep.t.DestroyEndpoint(ep.handle); err != nil {
		return WrapError("destroy_endpoint", err)
	}
	return nil
}

// URI returns the endpoint's resolved address, used as the peer
// argument to a remote Connect call.
func (ep *Endpoint) URI() string { return ep.uri }

// WakeFD returns the endpoint's pollable wake descriptor, for integrating GetEvent into an external poll/select
// loop instead of busy-polling.
func (ep *Endpoint) WakeFD() int {
	if ep.wake == nil {
		return -1
	}
	return ep.wake.FD()
}

// Connect initiates the three-way handshake to serverURI. Completion is asynchronous: a CONNECT event
// carrying appContext arrives via GetEvent once the peer replies or the
// connect timeout elapses. A nil timeout uses the transport default.
func Connect(ep *Endpoint, serverURI string, payload []byte, attr transport.Attribute, appContext any, flags transport.SendFlags, timeout *time.Duration) error {
	if err := ep.t.Connect(ep.handle, serverURI, payload, attr, appContext, flags, timeout); err != nil {
		return WrapError("connect", err)
	}
	return nil
}

// Accept completes the server side of a handshake for a received
// CONNECT_REQUEST event. reqEvent
// must be the *Event most recently returned by GetEvent that carried a
// CONNECT_REQUEST; its Context is threaded through to the transport
// uninterpreted.
func Accept(ep *Endpoint, reqEvent *Event, appContext any) error {
	creq, err := connectRequestContext(reqEvent)
	if err != nil {
		return err
	}
	if err := ep.t.Accept(ep.handle, creq.Context, appContext); err != nil {
		return WrapError("accept", err)
	}
	creq.Consumed = true
	return nil
}

// Reject declines a received CONNECT_REQUEST event.
func Reject(ep *Endpoint, reqEvent *Event) error {
	creq, err := connectRequestContext(reqEvent)
	if err != nil {
		return err
	}
	if err := ep.t.Reject(ep.handle, creq.Context); err != nil {
		return WrapError("reject", err)
	}
	creq.Consumed = true
	return nil
}

func connectRequestContext(reqEvent *Event) (*transport.ConnectRequestEvent, error) {
	if reqEvent == nil || reqEvent.Kind != transport.EventConnectRequest || reqEvent.ConnectRequest == nil {
		return nil, NewError("accept", StatusInvalid, "event is not a connect request")
	}
	return reqEvent.ConnectRequest, nil
}

// Disconnect tears down conn's local resources.
func Disconnect(conn *Connection) error {
	if err := conn.ep.t.Disconnect(conn.handle); err != nil {
		return WrapError("disconnect", err)
	}
	return nil
}

// Send queues msg for delivery on conn. Reliable connections complete
// asynchronously via a SEND event; unreliable connections complete
// immediately once the datagram is written.
func Send(conn *Connection, msg []byte, appContext any, flags transport.SendFlags) error {
	if err := conn.ep.t.Send(conn.handle, msg, appContext, flags); err != nil {
		return WrapError("send", err)
	}
	return nil
}

// Sendv is Send over a scatter-gather list.
func Sendv(conn *Connection, iov [][]byte, appContext any, flags transport.SendFlags) error {
	if err := conn.ep.t.Sendv(conn.handle, iov, appContext, flags); err != nil {
		return WrapError("sendv", err)
	}
	return nil
}

// RMARegister registers buf, a local memory region, for remote access.
// The returned handle's Token is what a peer passes back as
// remoteHandle[0] in an RMA call to target buf.
func RMARegister(ep *Endpoint, buf []byte, flags transport.RMAFlags) (*RMAHandle, error) {
	h, err := ep.t.RMARegister(ep.handle, buf, flags)
	if err != nil {
		return nil, WrapError("rma_register", err)
	}
	return &RMAHandle{handle: h, ep: ep}, nil
}

// RMADeregister releases a registration and returns at once: new
// fragments against it are refused, and it leaves the table once the
// fragments already in flight have finished.
func RMADeregister(h *RMAHandle) error {
	if err := h.ep.t.RMADeregister(h.handle); err != nil {
		return WrapError("rma_deregister", err)
	}
	return nil
}

// Token returns the RMA handle's wire-visible 64-bit token, the form a
// peer passes back as remoteHandle[0] in an RMA call.
func (h *RMAHandle) Token() uint64 { return h.handle.Token() }

// RMA issues a remote memory read or write against conn.
func RMA(conn *Connection, op transport.RMAFlags, local *RMAHandle, localOffset uint64, remoteHandle [4]uint64, remoteOffset uint64, length uint64, completionMsg []byte, appContext any, flags transport.SendFlags) error {
	if err := conn.ep.t.RMA(conn.handle, op, local.handle, localOffset, remoteHandle, remoteOffset, length, completionMsg, appContext, flags); err != nil {
		return WrapError("rma", err)
	}
	return nil
}

// GetEvent drives one pass of the endpoint's progress engine and
// returns the oldest ready event, or StatusNotFound if none is ready
//.
func GetEvent(ep *Endpoint) (*Event, error) {
	ev, err := ep.t.GetEvent(ep.handle)
	if err != nil {
		return nil, &Error{Op: "get_event", EndpointID: ep.handle.EndpointID(), Status: StatusNotFound, Msg: err.Error(), ConnectionID: -1}
	}
	return &Event{Event: ev}, nil
}

// ReturnEvent releases an event's resources: an RX buffer lease for a
// RECV event, or the consumption requirement for a CONNECT_REQUEST
//.
func ReturnEvent(ep *Endpoint, ev *Event) error {
	if err := ep.t.ReturnEvent(ev.Event); err != nil {
		return WrapError("return_event", err)
	}
	return nil
}

// ArmWake arms the endpoint's wake handle so a blocked poll/select on
// WakeFD wakes on the next ready event.
func ArmWake(ep *Endpoint) error {
	if err := ep.t.ArmWake(ep.handle, 0); err != nil {
		return WrapError("arm_wake", err)
	}
	return nil
}

// SetOpt sets a connection- or endpoint-scoped option.
func SetOpt(conn *Connection, name transport.OptName, value any) error {
	if err := conn.ep.t.SetOpt(conn.handle, name, value); err != nil {
		return WrapError("set_opt", err)
	}
	return nil
}

// SetEndpointOpt sets an endpoint-scoped option.
func SetEndpointOpt(ep *Endpoint, name transport.OptName, value any) error {
	if err := ep.t.SetOpt(ep.handle, name, value); err != nil {
		return WrapError("set_opt", err)
	}
	return nil
}

// GetOpt reads a connection-scoped option.
func GetOpt(conn *Connection, name transport.OptName) (any, error) {
	v, err := conn.ep.t.GetOpt(conn.handle, name)
	if err != nil {
		return nil, WrapError("get_opt", err)
	}
	return v, nil
}

// GetEndpointOpt reads an endpoint-scoped option.
func GetEndpointOpt(ep *Endpoint, name transport.OptName) (any, error) {
	v, err := ep.t.GetOpt(ep.handle, name)
	if err != nil {
		return nil, WrapError("get_opt", err)
	}
	return v, nil
}

// wrapConnHandle adapts a transport.ConnHandle surfaced by an event
// (Connect/Accept success, RECV) back into a public *Connection bound
// to ep.
func wrapConnHandle(ep *Endpoint, h transport.ConnHandle) *Connection {
	if h == nil {
		return nil
	}
	return &Connection{handle: h, ep: ep}
}

// ConnectionFromEvent extracts the public *Connection carried by a
// CONNECT, ACCEPT, SEND, or RECV event, or nil if the event kind
// carries none.
func ConnectionFromEvent(ep *Endpoint, ev *Event) *Connection {
	switch ev.Kind {
	case transport.EventConnect:
		return wrapConnHandle(ep, ev.Connect.Conn)
	case transport.EventAccept:
		return wrapConnHandle(ep, ev.Accept.Conn)
	case transport.EventSend:
		return wrapConnHandle(ep, ev.Send.Conn)
	case transport.EventRecv:
		return wrapConnHandle(ep, ev.Recv.Conn)
	case transport.EventKeepaliveTimedOut:
		return wrapConnHandle(ep, ev.KeepaliveTimeout.Conn)
	default:
		return nil
	}
}
