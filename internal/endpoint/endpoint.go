// Package endpoint implements the per-endpoint state every CCI
// transport shares: buffer pools, the connection table, the RMA
// registration table, and the event lease/return queue. Transports (internal/udp today)
// own the wire I/O; this package owns everything else.
package endpoint

import (
	"fmt"
	"sync"

	"github.com/opencci/gocci/internal/idalloc"
	"github.com/opencci/gocci/internal/logging"
	"github.com/opencci/gocci/internal/transport"
)

// Config configures a new Endpoint.
type Config struct {
	DeviceName   string
	MaxSendSize  uint32
	SendBufCount int
	RecvBufCount int
	Logger       *logging.Logger
	Observer     transport.Observer
}

// Endpoint is the process-local container for one open CCI endpoint
//. All of its child connections, RMA handles, and
// events are owned by it and invalidated atomically on Close.
type Endpoint struct {
	mu sync.RWMutex

	id          uint32
	deviceName  string
	maxSendSize uint32

	txPool *BufferPool
	rxPool *BufferPool

	connIDs *idalloc.Allocator
	conns   map[uint32]*Connection

	rma *RMATable

	events *EventQueue

	wake transport.WakeHandle

	sendTimeout      int64 // microseconds; 0 = use constants.DefaultEndpointSendTimeout
	recvBufCount     int
	keepaliveTimeout int64 // microseconds; 0 = disabled

	log *logging.Logger
	obs transport.Observer

	closed bool
}

var endpointIDs = idalloc.New(1 << 16)

// New allocates an endpoint ID and its buffer pools, connection table,
// RMA table, and event queue. The caller attaches a wake handle
// separately via SetWakeHandle once the transport has created one.
func New(cfg Config) (*Endpoint, error) {
	id, err := endpointIDs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithEndpoint(id)

	headerPlusPayload := int(cfg.MaxSendSize) + 64 // header + fragment overhead margin

	ep := &Endpoint{
		id:               id,
		deviceName:       cfg.DeviceName,
		maxSendSize:       cfg.MaxSendSize,
		txPool:           NewBufferPool(cfg.SendBufCount, headerPlusPayload),
		rxPool:           NewBufferPool(cfg.RecvBufCount, headerPlusPayload),
		connIDs:          idalloc.New(1 << 20),
		conns:            make(map[uint32]*Connection),
		rma:              NewRMATable(),
		events:           NewEventQueue(),
		recvBufCount:     cfg.RecvBufCount,
		log:              log,
		obs:              cfg.Observer,
	}
	return ep, nil
}

// ID returns the endpoint's process-unique ID.
func (e *Endpoint) ID() uint32 { return e.id }

func (e *Endpoint) EndpointID() uint32 { return e.id } // satisfies transport.EndpointHandle

// SetWakeHandle attaches the transport-specific wake handle.
func (e *Endpoint) SetWakeHandle(w transport.WakeHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wake = w
}

// WakeHandle returns the attached wake handle, or nil if none was set.
func (e *Endpoint) WakeHandle() transport.WakeHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wake
}

// MaxSendSize returns the endpoint's configured maximum payload size.
func (e *Endpoint) MaxSendSize() uint32 { return e.maxSendSize }

// Logger returns the endpoint-scoped logger.
func (e *Endpoint) Logger() *logging.Logger { return e.log }

// Observer returns the configured metrics observer, which may be nil.
func (e *Endpoint) Observer() transport.Observer { return e.obs }

// TXPool and RXPool expose the endpoint's buffer pools to the
// reliable/RMA engines and to ENDPT_TX_POOL_FREE/ENDPT_RX_POOL_FREE.
func (e *Endpoint) TXPool() *BufferPool { return e.txPool }
func (e *Endpoint) RXPool() *BufferPool { return e.rxPool }

// Events exposes the endpoint's ready/free event queue.
func (e *Endpoint) Events() *EventQueue { return e.events }

// RMA exposes the endpoint's RMA registration table.
func (e *Endpoint) RMA() *RMATable { return e.rma }

// AllocConnID reserves a fresh local connection ID.
func (e *Endpoint) AllocConnID() (uint32, error) {
	return e.connIDs.Alloc()
}

// AddConnection registers a connection under its local ID.
func (e *Endpoint) AddConnection(c *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c.LocalID()] = c
}

// Connection looks up a connection by local ID.
func (e *Endpoint) Connection(localID uint32) (*Connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conns[localID]
	return c, ok
}

// RemoveConnection drops a connection from the table and frees its
// local ID.
func (e *Endpoint) RemoveConnection(localID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, localID)
	e.connIDs.Free(localID)
}

// Connections returns a snapshot of all live connections, used by the
// progress engine's per-pass walk.
func (e *Endpoint) Connections() []*Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Close tears down the endpoint: every connection, RMA handle, and
// queued event is invalidated atomically.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for id := range e.conns {
		delete(e.conns, id)
	}
	e.rma.Clear()
	e.events.Clear()
	endpointIDs.Free(e.id)
	if e.wake != nil {
		_ = e.wake.Close()
	}
	return nil
}
