package wire

// ReplyPayloadSize is the fixed payload carried by a REPLY packet:
// accept flag, the target's newly allocated connection ID, and the
// initial sequence number the target will use.
const ReplyPayloadSize = 1 + 4 + 4

// ReplyPayload is the decoded body of a REPLY packet.
type ReplyPayload struct {
	Accepted    bool
	TargetConnID uint32
	InitialSeq  uint32
}

// EncodeReplyPayload writes p into buf, which must be at least
// ReplyPayloadSize bytes.
func EncodeReplyPayload(buf []byte, p ReplyPayload) {
	if len(buf) < ReplyPayloadSize {
		panic("wire: EncodeReplyPayload buffer too small")
	}
	if p.Accepted {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	putUint32(buf[1:5], p.TargetConnID)
	putUint32(buf[5:9], p.InitialSeq)
}

// DecodeReplyPayload parses a ReplyPayload from buf.
func DecodeReplyPayload(buf []byte) (ReplyPayload, error) {
	if len(buf) < ReplyPayloadSize {
		return ReplyPayload{}, ErrShort
	}
	return ReplyPayload{
		Accepted:     buf[0] != 0,
		TargetConnID: getUint32(buf[1:5]),
		InitialSeq:   getUint32(buf[5:9]),
	}, nil
}

// RejectPayloadSize carries a single reason code.
const RejectPayloadSize = 4

// EncodeRejectPayload writes a reason code into buf.
func EncodeRejectPayload(buf []byte, reason uint32) {
	if len(buf) < RejectPayloadSize {
		panic("wire: EncodeRejectPayload buffer too small")
	}
	putUint32(buf[0:4], reason)
}

// DecodeRejectPayload parses a reject reason code from buf.
func DecodeRejectPayload(buf []byte) (uint32, error) {
	if len(buf) < RejectPayloadSize {
		return 0, ErrShort
	}
	return getUint32(buf[0:4]), nil
}
