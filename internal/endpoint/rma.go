package endpoint

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/opencci/gocci/internal/transport"
	"github.com/rs/xid"
)

// RMARegistration is a local memory registration record: endpoint-
// scoped, identified by a cryptographically hard to guess token so a
// remote peer's fragment can't target memory it was never given the
// handle to. Buffer is the actual Go-addressable memory the
// registration grants RMA access to; fragment handling copies directly
// into and out of it, rather than treating the registration as a bare
// address a real transport would DMA against.
type RMARegistration struct {
	token  uint64
	Buffer []byte
	Flags  transport.RMAFlags

	table    *RMATable // owning table, so a bare handle can deregister itself
	mu       sync.Mutex
	inFlight int // outstanding fragments; deregister must drain or abort these
	aborted  bool
}

// Length returns the registered region's size in bytes.
func (r *RMARegistration) Length() uint64 { return uint64(len(r.Buffer)) }

// Deregister removes the registration from its owning table. Convenience wrapper for callers holding only the
// handle, equivalent to table.Deregister(reg.Token()).
func (r *RMARegistration) Deregister() {
	r.table.Deregister(r.token)
}

// Token satisfies transport.RMAHandle.
func (r *RMARegistration) Token() uint64 { return r.token }

// RMATable is the endpoint's registration table, keyed by token.
type RMATable struct {
	mu    sync.RWMutex
	byTok map[uint64]*RMARegistration
}

func NewRMATable() *RMATable {
	return &RMATable{byTok: make(map[uint64]*RMARegistration)}
}

// Register creates a new registration over buf and returns it. The
// token is 64 CSPRNG bits XORed with the low 8 bytes of a fresh xid
// (see newRMAToken); tokens do not sort by creation order.
func (t *RMATable) Register(buf []byte, flags transport.RMAFlags) *RMARegistration {
	token := newRMAToken()
	reg := &RMARegistration{token: token, Buffer: buf, Flags: flags, table: t}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTok[token] = reg
	return reg
}

func newRMAToken() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	random := binary.BigEndian.Uint64(buf[:])
	// xid.New's 12-byte ID is time-sortable and host/process unique;
	// folding its low 8 bytes into the random token keeps uniqueness
	// even under a weak entropy source while staying CSPRNG-hard to
	// predict from the random half alone.
	id := xid.New()
	idBytes := id.Bytes()
	mix := binary.BigEndian.Uint64(idBytes[4:12])
	return random ^ mix
}

// Lookup finds a registration by token. ok is false for an unknown or
// deregistered token.
func (t *RMATable) Lookup(token uint64) (*RMARegistration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.byTok[token]
	if !ok || reg.isAborted() {
		return nil, false
	}
	return reg, true
}

// Deregister removes a registration. If fragments are still in flight
// against it, it is marked aborted instead of deleted immediately so
// Lookup correctly starts failing new fragments while in-flight ones
// unwind.
func (t *RMATable) Deregister(token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reg, ok := t.byTok[token]
	if !ok {
		return
	}
	reg.mu.Lock()
	hasInFlight := reg.inFlight > 0
	reg.aborted = true
	reg.mu.Unlock()
	if !hasInFlight {
		delete(t.byTok, token)
	}
}

// Clear removes every registration, used by Endpoint.Close.
func (t *RMATable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTok = make(map[uint64]*RMARegistration)
}

func (r *RMARegistration) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// BeginFragment records one more in-flight fragment against this
// registration; EndFragment releases it and, if the registration was
// aborted in the meantime with no remaining fragments, removes it from
// the table.
func (r *RMARegistration) BeginFragment() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return false
	}
	r.inFlight++
	return true
}

func (r *RMARegistration) EndFragment(t *RMATable) {
	r.mu.Lock()
	r.inFlight--
	done := r.aborted && r.inFlight <= 0
	r.mu.Unlock()
	if done {
		t.mu.Lock()
		delete(t.byTok, r.token)
		t.mu.Unlock()
	}
}
