package endpoint

import (
	"sync"
	"time"

	"github.com/opencci/gocci/internal/transport"
)

// Status is a connection's position in the lifecycle state machine:
// INIT -> REQUESTED -> (READY | REJECTED | FAILED) -> DISCONNECTED.
type Status int

const (
	StatusInit Status = iota
	StatusRequested
	StatusReady
	StatusRejected
	StatusFailed
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusRequested:
		return "REQUESTED"
	case StatusReady:
		return "READY"
	case StatusRejected:
		return "REJECTED"
	case StatusFailed:
		return "FAILED"
	case StatusDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// TXDescriptor tracks one outstanding send on a reliable connection
//.
type TXDescriptor struct {
	Seq        uint32
	Deadline   time.Time
	LastSent   time.Time
	Resends    int
	Payload    []byte
	Context    any
	Flags      transport.SendFlags
	Fence      bool
	Completion func(status string)
}

// Connection is one peer relationship owned by an Endpoint.
type Connection struct {
	mu sync.Mutex

	localID  uint32
	PeerID   uint32
	PeerAddr string
	Attr     transport.Attribute

	MaxSendSize  uint32
	Status       Status
	SendTimeout  time.Duration
	Keepalive    time.Duration
	LastKeepaliveSent time.Time
	LastActivity      time.Time // last receipt of any packet from the peer

	// Send-side reliable window.
	NextSeq      uint32
	OldestUnacked uint32
	InFlight     []*TXDescriptor
	QueuedTX     []*TXDescriptor

	// Receive-side reliable state.
	ExpectedSeq    uint32
	RecentAckBits  uint32 // RU duplicate suppression bitmap
	HoldQueue      map[uint32]*pendingRX // RO out-of-order reassembly
	RNR            bool

	// Connect-time bookkeeping.
	ConnectContext any
	ConnectDeadline time.Time
	PendingPayload []byte

	// UU connections receive before a handshake completes.
	DeferredRX [][]byte

	endpoint *Endpoint
	failedStatus string // sticky completion status once the RO conn fails
}

type pendingRX struct {
	data []byte
}

// EndpointID and LocalID satisfy transport.ConnHandle.
func (c *Connection) EndpointID() uint32 {
	return c.endpoint.ID()
}

func (c *Connection) LocalID() uint32 {
	return c.localID
}

// NewConnection creates a connection in INIT status, owned by ep.
func NewConnection(ep *Endpoint, localID uint32, attr transport.Attribute) *Connection {
	return &Connection{
		localID:      localID,
		Attr:         attr,
		Status:       StatusInit,
		MaxSendSize:  ep.MaxSendSize(),
		HoldQueue:    make(map[uint32]*pendingRX),
		endpoint:     ep,
		LastActivity: time.Now(),
	}
}

// Lock/Unlock expose the connection's mutex to the reliable/progress
// engine, which must serialize window mutations: a fine-grained
// per-connection lock distinct from the endpoint's own lock.
func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }

// FailSticky marks the connection's RO ordering guarantee: once a
// reliable send completes with RNR or TIMED_OUT, every later in-flight
// send and all subsequent sends on the connection complete/fail the
// same way.
func (c *Connection) FailSticky(status string) {
	if c.failedStatus == "" {
		c.failedStatus = status
	}
}

// StickyFailure returns the sticky failure status, or "" if none.
func (c *Connection) StickyFailure() string {
	return c.failedStatus
}
