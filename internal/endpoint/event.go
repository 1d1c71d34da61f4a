package endpoint

import (
	"sync"

	"github.com/opencci/gocci/internal/transport"
)

// EventQueue is the endpoint's ready-event queue plus the lease
// bookkeeping that ties a RECV event back to the RX buffer it
// references. Multiple progress passes
// may enqueue (multi-producer); exactly one application thread calls
// GetEvent at a time by contract (single-consumer).
type EventQueue struct {
	mu      sync.Mutex
	ready   []transport.Event
	nextLease uint64
	leases  map[uint64]int // lease token -> RX pool index

	// pendingConnReq tracks CONNECT_REQUEST events not yet consumed by
	// accept/reject.
	pendingConnReq map[*transport.ConnectRequestEvent]bool
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		leases:         make(map[uint64]int),
		pendingConnReq: make(map[*transport.ConnectRequestEvent]bool),
	}
}

// Push enqueues ev, to be returned by the next GetEvent call.
func (q *EventQueue) Push(ev transport.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ev.Kind == transport.EventConnectRequest {
		q.pendingConnReq[ev.ConnectRequest] = true
	}
	q.ready = append(q.ready, ev)
}

// NewLease mints a lease token for an RX buffer at poolIndex, to be
// attached to a RecvEvent.
func (q *EventQueue) NewLease(poolIndex int) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextLease++
	token := q.nextLease
	q.leases[token] = poolIndex
	return token
}

// Pop removes and returns the oldest ready event. ok is false when
// empty.
func (q *EventQueue) Pop() (transport.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return transport.Event{}, false
	}
	ev := q.ready[0]
	q.ready = q.ready[1:]
	return ev, true
}

// Len reports the number of ready events, used to decide when to
// signal the wake handle (empty -> non-empty transition).
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Return releases ev's buffer lease (if any) back to rxPool and clears
// any CONNECT_REQUEST consumption requirement. Returns INVALID-equivalent
// false if ev is a CONNECT_REQUEST that was never accepted or rejected.
func (q *EventQueue) Return(ev transport.Event, rxPool *BufferPool) bool {
	if ev.Kind == transport.EventConnectRequest {
		q.mu.Lock()
		consumed := ev.ConnectRequest.Consumed
		delete(q.pendingConnReq, ev.ConnectRequest)
		q.mu.Unlock()
		if !consumed {
			return false
		}
		return true
	}

	if ev.Kind == transport.EventRecv {
		q.mu.Lock()
		idx, ok := q.leases[ev.Recv.LeaseToken]
		if ok {
			delete(q.leases, ev.Recv.LeaseToken)
		}
		q.mu.Unlock()
		if ok {
			rxPool.Put(idx)
		}
	}
	return true
}

// Clear drops every ready event and outstanding lease, used by
// Endpoint.Close.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = nil
	q.leases = make(map[uint64]int)
	q.pendingConnReq = make(map[*transport.ConnectRequestEvent]bool)
}
