package wire

// FragmentHeaderSize is the fixed header prepended to RMA_WRITE,
// RMA_READ_REQ, and RMA_READ_REPLY payloads, ahead of the data itself
// (for WRITE/READ_REPLY) or empty (for READ_REQ, which carries only the
// addressing fields below).
const FragmentHeaderSize = 8 * 6

// FragmentHeader addresses one RMA fragment within a larger transfer.
// RemoteToken/RemoteOffset name the registration this fragment acts
// on: the WRITE destination, or the READ source. OpOffset is this
// fragment's offset within the overall RMA operation; a READ_REPLY
// echoes it, and neither transport otherwise reads it.
//
// READ_REQ additionally carries ReplyToken/ReplyOffset, naming the
// requester's own local registration and offset the data must land at,
// and Length, the number of bytes requested for this fragment (a
// READ_REQ carries no payload of its own). The replier echoes
// ReplyToken/ReplyOffset back unchanged in the RMA_READ_REPLY it sends,
// so the requester can place the returned payload without keeping any
// per-fragment state of its own.
type FragmentHeader struct {
	RemoteToken  uint64
	RemoteOffset uint64
	OpOffset     uint64
	ReplyToken   uint64
	ReplyOffset  uint64
	Length       uint64
}

// EncodeFragmentHeader writes h into buf, which must be at least
// FragmentHeaderSize bytes.
func EncodeFragmentHeader(buf []byte, h FragmentHeader) {
	if len(buf) < FragmentHeaderSize {
		panic("wire: EncodeFragmentHeader buffer too small")
	}
	putUint64(buf[0:8], h.RemoteToken)
	putUint64(buf[8:16], h.RemoteOffset)
	putUint64(buf[16:24], h.OpOffset)
	putUint64(buf[24:32], h.ReplyToken)
	putUint64(buf[32:40], h.ReplyOffset)
	putUint64(buf[40:48], h.Length)
}

// DecodeFragmentHeader parses a FragmentHeader from buf.
func DecodeFragmentHeader(buf []byte) (FragmentHeader, error) {
	if len(buf) < FragmentHeaderSize {
		return FragmentHeader{}, ErrShort
	}
	return FragmentHeader{
		RemoteToken:  getUint64(buf[0:8]),
		RemoteOffset: getUint64(buf[8:16]),
		OpOffset:     getUint64(buf[16:24]),
		ReplyToken:   getUint64(buf[24:32]),
		ReplyOffset:  getUint64(buf[32:40]),
		Length:       getUint64(buf[40:48]),
	}, nil
}
