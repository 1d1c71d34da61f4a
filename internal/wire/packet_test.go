package wire

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pkt := &Packet{
		Header: Header{
			Type:       TypeMsg,
			Attr:       AttrRO,
			SrcConnID:  7,
			DstConnID:  9,
			Seq:        1234,
			CumAck:     1200,
			SelAckBits: 0b1011,
			PayloadLen: 9, // len("hello cci"); Decode fills it from the wire
		},
		Payload: []byte("hello cci"),
	}

	buf := make([]byte, HeaderSize+len(pkt.Payload))
	n := Encode(buf, pkt)
	assert.Equal(t, len(buf), n)

	got, err := Decode(buf)
	require.NoError(t, err)

	if diff := deep.Equal(pkt.Header, got.Header); diff != nil {
		t.Errorf("header mismatch: %v", diff)
	}
	assert.Equal(t, pkt.Payload, got.Payload)
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShort)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	buf := make([]byte, HeaderSize)
	putUint16(buf[22:24], 100) // claims 100 bytes of payload that aren't there
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrShort)
}

func TestEmptyPayload(t *testing.T) {
	pkt := &Packet{Header: Header{Type: TypeAck, Attr: AttrRU}}
	buf := make([]byte, HeaderSize)
	n := Encode(buf, pkt)
	assert.Equal(t, HeaderSize, n)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, TypeAck, got.Type)
	assert.Empty(t, got.Payload)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "REQUEST", TypeRequest.String())
	assert.Equal(t, "KEEPALIVE", TypeKeepalive.String())
}

func TestRMAHandleRoundTrip(t *testing.T) {
	h := RMAHandle{Token: 0xdeadbeef, Start: 0x1000, Length: 4096, Flags: 3}
	buf := make([]byte, RMAHandleSize)
	EncodeRMAHandle(buf, h)

	got, err := DecodeRMAHandle(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestFragmentHeaderRoundTrip(t *testing.T) {
	h := FragmentHeader{RemoteToken: 99, RemoteOffset: 128, OpOffset: 4096, ReplyToken: 7, ReplyOffset: 256, Length: 512}
	buf := make([]byte, FragmentHeaderSize)
	EncodeFragmentHeader(buf, h)

	got, err := DecodeFragmentHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestReplyPayloadRoundTrip(t *testing.T) {
	p := ReplyPayload{Accepted: true, TargetConnID: 42, InitialSeq: 7}
	buf := make([]byte, ReplyPayloadSize)
	EncodeReplyPayload(buf, p)

	got, err := DecodeReplyPayload(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
