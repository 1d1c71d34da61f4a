// Package constants holds process-wide defaults shared by every CCI
// transport and the core framework.
package constants

import "time"

// ABIVersion is the ABI version negotiated by Init.
const ABIVersion = 2

// ConnReqLen is the maximum connect-request payload length.
const ConnReqLen = 1024

// Default endpoint/connection configuration.
const (
	// DefaultSendBufCount is the default number of TX descriptors an
	// endpoint pre-allocates.
	DefaultSendBufCount = 128

	// DefaultRecvBufCount is the default number of RX buffers an endpoint
	// pre-allocates (ENDPT_RECV_BUF_COUNT).
	DefaultRecvBufCount = 128

	// DefaultMaxSendSize is the default maximum payload size of a single
	// send, exclusive of the wire header.
	DefaultMaxSendSize = 4096

	// DefaultEndpointSendTimeout is the default deadline for a reliable
	// send when neither CONN_SEND_TIMEOUT nor ENDPT_SEND_TIMEOUT are set.
	DefaultEndpointSendTimeout = 5 * time.Second

	// DefaultConnectTimeout is connect()'s default timeout when the caller
	// passes a nil timeout.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultKeepaliveTimeout of 0 means keepalive is disabled by default.
	DefaultKeepaliveTimeout = 0 * time.Millisecond

	// DefaultPriority is the device priority when a config stanza omits it.
	DefaultPriority = 50
)

// Retransmission timing.
const (
	// RetransmitBaseBackoff is the initial resend interval.
	RetransmitBaseBackoff = 1 * time.Millisecond

	// RetransmitMaxBackoff caps the exponential backoff.
	RetransmitMaxBackoff = 500 * time.Millisecond

	// AckDelay bounds how long a cumulative ACK can be held back waiting
	// for piggyback opportunity before the progress engine sends it alone
	//.
	AckDelay = 1 * time.Millisecond

	// HoldQueueLimit bounds the RO out-of-order reassembly hold-queue; an
	// arriving packet that would grow the hold-queue past this is fatal
	// for the connection.
	HoldQueueLimit = 1024

	// RecentAckBitmapBits is the width of the RU duplicate-suppression and
	// RO selective-ACK bitmap.
	RecentAckBitmapBits = 32
)

// RMA constants.
const (
	// RMAHandleWireSize is the serialised size of an RMA handle.
	RMAHandleWireSize = 32

	// RMAAlignment is advertised via ENDPT_RMA_ALIGN; buffers not aligned
	// to this boundary are bounce-copied.
	RMAAlignment = 8
)

// WireHeaderSize is the fixed portion of every on-wire packet header,
// before the variable-length payload : type(1) +
// attr(1) + src conn(4) + dst conn(4) + seq(4) + cumulative ack(4) +
// selective-ack bitmap(4) + payload len(2).
const WireHeaderSize = 24
