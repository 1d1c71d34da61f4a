// Package wire implements the CCI on-wire packet codec: a fixed header
// in network byte order followed by a variable-length payload.
package wire

// Type is the packet's 1-byte type tag. The top bit of the byte is
// reserved for future wire versioning and must be zero in this version.
type Type uint8

const (
	TypeRequest      Type = iota // connection REQUEST
	TypeReply                    // connection REPLY
	TypeAckHandshake             // ACK_HANDSHAKE
	TypeReject                   // connection REJECT
	TypeMsg                      // reliable or unreliable data MSG
	TypeAck                      // cumulative + selective ACK
	TypeNackRNR                  // receiver-not-ready NACK
	TypeRMAWrite
	TypeRMAReadReq
	TypeRMAReadReply
	TypeKeepalive
)

const versionMask Type = 0x80

func (t Type) String() string {
	switch t &^ versionMask {
	case TypeRequest:
		return "REQUEST"
	case TypeReply:
		return "REPLY"
	case TypeAckHandshake:
		return "ACK_HANDSHAKE"
	case TypeReject:
		return "REJECT"
	case TypeMsg:
		return "MSG"
	case TypeAck:
		return "ACK"
	case TypeNackRNR:
		return "NACK_RNR"
	case TypeRMAWrite:
		return "RMA_WRITE"
	case TypeRMAReadReq:
		return "RMA_READ_REQ"
	case TypeRMAReadReply:
		return "RMA_READ_REPLY"
	case TypeKeepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

// AttrBits mirrors transport.Attribute on the wire, carried in the
// header's attribute byte.
type AttrBits uint8

const (
	AttrRO AttrBits = iota
	AttrRU
	AttrUU
	AttrUUMCTx
	AttrUUMCRx
)

// HeaderSize is the fixed portion of every packet, before the payload
// : type(1) + attr(1) + src conn(4) + dst conn(4) +
// seq(4) + cumulative ack(4) + selective-ack bitmap(4) + payload len(2)
// = 24 bytes.
const HeaderSize = 24

// Header is the fixed fields of a CCI packet, decoded from network byte
// order.
type Header struct {
	Type       Type
	Attr       AttrBits
	SrcConnID  uint32
	DstConnID  uint32
	Seq        uint32
	CumAck     uint32
	SelAckBits uint32 // bit i set == seq (CumAck+1+i) acknowledged
	PayloadLen uint16
}

// Packet is a fully decoded wire packet: header plus payload bytes. The
// Payload slice aliases into the buffer Decode was called with; callers
// that retain a Packet past the buffer's reuse must copy it.
type Packet struct {
	Header
	Payload []byte
}

var _ [HeaderSize]byte = [24]byte{}

// Encode writes pkt's header and payload into buf, which must be at
// least HeaderSize+len(pkt.Payload) bytes, and returns the number of
// bytes written.
func Encode(buf []byte, pkt *Packet) int {
	need := HeaderSize + len(pkt.Payload)
	if len(buf) < need {
		panic("wire: Encode buffer too small")
	}

	buf[0] = byte(pkt.Type)
	buf[1] = byte(pkt.Attr)
	putUint32(buf[2:6], pkt.SrcConnID)
	putUint32(buf[6:10], pkt.DstConnID)
	putUint32(buf[10:14], pkt.Seq)
	putUint32(buf[14:18], pkt.CumAck)
	putUint32(buf[18:22], pkt.SelAckBits)
	putUint16(buf[22:24], uint16(len(pkt.Payload)))
	copy(buf[HeaderSize:need], pkt.Payload)

	return need
}

// Decode parses a Header plus payload from buf. The returned Packet's
// Payload aliases buf; ErrShort is returned if buf is truncated.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShort
	}
	h := Header{
		Type:       Type(buf[0]),
		Attr:       AttrBits(buf[1]),
		SrcConnID:  getUint32(buf[2:6]),
		DstConnID:  getUint32(buf[6:10]),
		Seq:        getUint32(buf[10:14]),
		CumAck:     getUint32(buf[14:18]),
		SelAckBits: getUint32(buf[18:22]),
		PayloadLen: getUint16(buf[22:24]),
	}
	if len(buf) < HeaderSize+int(h.PayloadLen) {
		return nil, ErrShort
	}
	return &Packet{Header: h, Payload: buf[HeaderSize : HeaderSize+int(h.PayloadLen)]}, nil
}
