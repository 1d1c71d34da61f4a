// Package transport defines the plugin contract every CCI wire transport
// implements. The core dispatches every public API call
// through a device's Transport; transports differ only where the
// underlying hardware differs — the framework (wire codec, reliable
// engine, event machinery) is shared.
package transport

import (
	"time"
)

// Attribute is the reliability/ordering triple of a connection (GLOSSARY
// "Attribute").
type Attribute int

const (
	AttrRO Attribute = iota // reliable ordered
	AttrRU                  // reliable unordered
	AttrUU                  // unreliable unordered
	AttrUUMCTx              // unreliable multicast, transmit side
	AttrUUMCRx              // unreliable multicast, receive side
)

func (a Attribute) String() string {
	switch a {
	case AttrRO:
		return "RO"
	case AttrRU:
		return "RU"
	case AttrUU:
		return "UU"
	case AttrUUMCTx:
		return "UU_MC_TX"
	case AttrUUMCRx:
		return "UU_MC_RX"
	default:
		return "UNKNOWN"
	}
}

// Reliable reports whether the attribute carries reliable-transport state
//.
func (a Attribute) Reliable() bool {
	return a == AttrRO || a == AttrRU
}

// SendFlags are the bit flags accepted by Send/Sendv/RMA.
type SendFlags uint32

const (
	FlagBlocking SendFlags = 1 << 0
	FlagNoCopy   SendFlags = 1 << 1
	FlagSilent   SendFlags = 1 << 3
)

// RMAFlags are the bit flags accepted by RMA, layered onto SendFlags'
// numeric space.
type RMAFlags uint32

const (
	RMARead  RMAFlags = 1 << 4
	RMAWrite RMAFlags = 1 << 5
	RMAFence RMAFlags = 1 << 6
)

// Caps is returned by Init: the transport's device list plus capability
// bits.
type Caps struct {
	ThreadSafe bool
	Devices    []DeviceInfo
}

// DeviceInfo is the transport-reported view of a device.
type DeviceInfo struct {
	Name       string
	Transport  string
	Priority   int
	Up         bool
	Params     []string
	MaxSendSize uint32
	Rate       uint64
	PCI        [4]uint16
}

// Logger is the minimal logging surface internal packages depend on
// without binding to a concrete implementation.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer records counters for the progress/reliable/RMA engines.
// Implementations must be safe for concurrent use: methods are invoked
// from the progress engine, which may run on any caller's goroutine.
type Observer interface {
	ObserveSend(bytes uint64, status string)
	ObserveRecv(bytes uint64)
	ObserveRetransmit()
	ObserveAck(selective bool)
	ObserveRNR()
	ObserveKeepaliveTimeout()
	ObserveRMA(bytes uint64, op string)
}

// Transport is the contract every wire transport (reference UDP, or an
// external RDMA/verbs/GNI/PSM/SM collaborator) implements.
// The core never type-switches on a transport; it dispatches through this
// interface exclusively.
type Transport interface {
	// Init verifies the ABI version and returns the transport's
	// capabilities and device list.
	Init(abiVersion int, flags uint32) (Caps, error)

	// CreateEndpoint allocates buffers, binds the transport's wire
	// resource, and returns an opaque endpoint handle plus a pollable
	// wake handle.
	CreateEndpoint(deviceName string, serviceHint string) (EndpointHandle, WakeHandle, error)

	DestroyEndpoint(ep EndpointHandle) error

	Connect(ep EndpointHandle, serverURI string, payload []byte, attr Attribute, appContext any, flags SendFlags, timeout *time.Duration) error
	Accept(ep EndpointHandle, connReqContext any, appContext any) error
	Reject(ep EndpointHandle, connReqContext any) error
	Disconnect(conn ConnHandle) error

	Send(conn ConnHandle, msg []byte, appContext any, flags SendFlags) error
	Sendv(conn ConnHandle, iov [][]byte, appContext any, flags SendFlags) error

	RMARegister(ep EndpointHandle, buf []byte, flags RMAFlags) (RMAHandle, error)
	RMADeregister(h RMAHandle) error
	RMA(conn ConnHandle, op RMAFlags, localHandle RMAHandle, localOffset uint64, remoteHandle [4]uint64, remoteOffset uint64, length uint64, completionMsg []byte, appContext any, flags SendFlags) error

	GetEvent(ep EndpointHandle) (Event, error)
	ReturnEvent(ev Event) error

	SetOpt(handle any, name OptName, value any) error
	GetOpt(handle any, name OptName) (any, error)

	ArmWake(ep EndpointHandle, flags uint32) error
}

// EndpointHandle, ConnHandle, and RMAHandle are opaque handles owned by a
// transport; the core never dereferences their internals directly.
type EndpointHandle interface{ EndpointID() uint32 }
type ConnHandle interface {
	EndpointID() uint32
	LocalID() uint32
}
type RMAHandle interface {
	Token() uint64
}

// WakeHandle is a pollable blocking-wake primitive: a pipe, eventfd, or
// equivalent signal.
type WakeHandle interface {
	// FD returns a file descriptor callers can poll/select on.
	FD() int
	Close() error
}

// OptName enumerates the get_opt/set_opt option space.
type OptName int

const (
	OptEndpointSendTimeout OptName = iota
	OptEndpointRecvBufCount
	OptEndpointSendBufCount
	OptEndpointKeepaliveTimeout
	OptEndpointURI // get-only
	OptEndpointRMAAlign // get-only
	OptEndpointTXPoolFree // get-only
	OptEndpointRXPoolFree // get-only
	OptConnSendTimeout
	OptConnKeepaliveTimeout
)

// Event is the tagged union of every asynchronous notification a
// transport can surface. Exactly one of the pointer fields is non-nil
// per event kind.
type Event struct {
	Kind EventKind

	Send            *SendEvent
	Recv            *RecvEvent
	Connect         *ConnectEvent
	ConnectRequest  *ConnectRequestEvent
	Accept          *AcceptEvent
	KeepaliveTimeout *KeepaliveTimeoutEvent
	DeviceFailed    *DeviceFailedEvent
}

type EventKind int

const (
	EventSend EventKind = iota
	EventRecv
	EventConnect
	EventConnectRequest
	EventAccept
	EventKeepaliveTimedOut
	EventDeviceFailed
)

type SendEvent struct {
	Status  string
	Context any
	Conn    ConnHandle
}

type RecvEvent struct {
	Data []byte
	Conn ConnHandle
	// LeaseToken identifies the buffer lease to the owning endpoint so
	// ReturnEvent can validate ownership.
	LeaseToken uint64
}

type ConnectEvent struct {
	Status  string
	Context any
	Conn    ConnHandle // nil unless Status == success
}

type ConnectRequestEvent struct {
	EndpointID uint32
	Attribute  Attribute
	Data       []byte
	Len        int
	// Context is the transport-private handle Accept/Reject must be
	// called with as their connReqContext argument; the core passes it
	// through uninterpreted.
	Context any
	// Consumed is set once Accept or Reject has been called on this
	// event; ReturnEvent fails INVALID while it is false.
	Consumed bool
}

type AcceptEvent struct {
	Status  string
	Context any
	Conn    ConnHandle
}

type KeepaliveTimeoutEvent struct {
	Conn ConnHandle
}

type DeviceFailedEvent struct {
	EndpointID uint32
}
