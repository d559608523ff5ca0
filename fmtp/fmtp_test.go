package fmtp

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/go-test/deep"
)

func TestHeaderRoundTrip(t *testing.T) {
	hdr := Header{
		SrcPort:   5002,
		DstPort:   5001,
		ProductID: 0xdeadbeef,
		Seq:       1444 * 7,
		DataLen:   1444,
		Flags:     FlagRetransData,
	}
	buf := make([]byte, HeaderLen)
	if err := EncodeHeader(&hdr, buf); err != nil {
		t.Fatal("encode:", err)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatal("decode:", err)
	}
	if diff := deep.Equal(got, hdr); diff != nil {
		t.Error("Header differed after round trip:", diff)
	}
}

func TestHeaderWireLayout(t *testing.T) {
	hdr := Header{SrcPort: 1, DstPort: 2, ProductID: 3, Seq: 4, DataLen: 5, Flags: FlagBOF}
	buf := make([]byte, HeaderLen)
	if err := EncodeHeader(&hdr, buf); err != nil {
		t.Fatal("encode:", err)
	}
	// Spot-check network byte order at fixed offsets.
	if binary.BigEndian.Uint16(buf[0:2]) != 1 {
		t.Error("src port not at octets 0-1")
	}
	if binary.BigEndian.Uint32(buf[4:8]) != 3 {
		t.Error("product id not at octets 4-7")
	}
	if binary.BigEndian.Uint16(buf[14:16]) != uint16(FlagBOF) {
		t.Error("flags not at octets 14-15")
	}
}

func TestDecodeHeaderMalformed(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderLen-1)); err != ErrMalformedHeader {
		t.Error("Short buffer should be ErrMalformedHeader, got", err)
	}

	buf := make([]byte, HeaderLen)
	hdr := Header{Flags: FlagEOF}
	if err := EncodeHeader(&hdr, buf); err != nil {
		t.Fatal("encode:", err)
	}
	buf[14] |= 0x80 // a flag bit outside the known set
	if _, err := DecodeHeader(buf); err != ErrMalformedHeader {
		t.Error("Unknown flag bits should be ErrMalformedHeader, got", err)
	}
}

func TestEncodeHeaderRejectsOversize(t *testing.T) {
	hdr := Header{DataLen: 0x10000}
	if err := EncodeHeader(&hdr, make([]byte, HeaderLen)); err != ErrMalformedHeader {
		t.Error("Oversize DataLen should be ErrMalformedHeader, got", err)
	}
	if err := EncodeHeader(&Header{}, make([]byte, HeaderLen-1)); err != ErrMalformedHeader {
		t.Error("Short buffer should be ErrMalformedHeader, got", err)
	}
}

func TestSenderMessageRoundTrip(t *testing.T) {
	msg := SenderMessage{
		MsgType:   MsgFileTransferStart,
		ProductID: 99,
		DataLen:   10 << 20,
		Text:      "surface_obs.grib2",
		Timestamp: 12.25,
	}
	buf := make([]byte, SenderMessageLen)
	if err := EncodeSenderMessage(&msg, buf); err != nil {
		t.Fatal("encode:", err)
	}
	got, err := DecodeSenderMessage(buf)
	if err != nil {
		t.Fatal("decode:", err)
	}
	if diff := deep.Equal(got, msg); diff != nil {
		t.Error("SenderMessage differed after round trip:", diff)
	}

	if _, err := DecodeSenderMessage(buf[:SenderMessageLen-1]); err != ErrMalformedMessage {
		t.Error("Short body should be ErrMalformedMessage, got", err)
	}
}

func TestSenderMessageTruncatesLongText(t *testing.T) {
	msg := SenderMessage{Text: strings.Repeat("x", SenderMessageTextLen+10)}
	buf := make([]byte, SenderMessageLen)
	if err := EncodeSenderMessage(&msg, buf); err != nil {
		t.Fatal("encode:", err)
	}
	got, err := DecodeSenderMessage(buf)
	if err != nil {
		t.Fatal("decode:", err)
	}
	if len(got.Text) != SenderMessageTextLen {
		t.Error("Text should truncate to", SenderMessageTextLen, "octets, got", len(got.Text))
	}
}

func TestRetransRequestRoundTrip(t *testing.T) {
	req := RetransRequest{ProductID: 7, Seq: 4096, DataLen: 123456}
	buf := make([]byte, RetransRequestLen)
	if err := EncodeRetransRequest(&req, buf); err != nil {
		t.Fatal("encode:", err)
	}
	got, err := DecodeRetransRequest(buf)
	if err != nil {
		t.Fatal("decode:", err)
	}
	if diff := deep.Equal(got, req); diff != nil {
		t.Error("RetransRequest differed after round trip:", diff)
	}

	if _, err := DecodeRetransRequest(buf[:RetransRequestLen-1]); err != ErrMalformedMessage {
		t.Error("Short body should be ErrMalformedMessage, got", err)
	}
}
