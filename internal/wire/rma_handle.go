package wire

// RMAHandleSize is the serialised size of an RMA handle.
const RMAHandleSize = 32

// RMAHandle is the wire form of an RMA registration: an opaque 64-bit
// token plus the region's start address and length, network-safe to
// transmit to a peer so it can target WRITE/READ fragments at it.
type RMAHandle struct {
	Token  uint64
	Start  uint64
	Length uint64
	Flags  uint64 // low bits: READ/WRITE protection
}

var _ [RMAHandleSize]byte = [32]byte{}

// EncodeRMAHandle writes h into buf, which must be at least
// RMAHandleSize bytes.
func EncodeRMAHandle(buf []byte, h RMAHandle) {
	if len(buf) < RMAHandleSize {
		panic("wire: EncodeRMAHandle buffer too small")
	}
	putUint64(buf[0:8], h.Token)
	putUint64(buf[8:16], h.Start)
	putUint64(buf[16:24], h.Length)
	putUint64(buf[24:32], h.Flags)
}

// DecodeRMAHandle parses an RMAHandle from buf.
func DecodeRMAHandle(buf []byte) (RMAHandle, error) {
	if len(buf) < RMAHandleSize {
		return RMAHandle{}, ErrShort
	}
	return RMAHandle{
		Token:  getUint64(buf[0:8]),
		Start:  getUint64(buf[8:16]),
		Length: getUint64(buf[16:24]),
		Flags:  getUint64(buf[24:32]),
	}, nil
}
