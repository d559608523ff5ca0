// Package fmtp defines the FMTP wire format: the fixed 16-octet packet
// header, the header flag taxonomy, and the control-message bodies carried
// in the data region of non-DATA packets. All multi-octet integer fields
// use network byte order on the wire.
//
// Every packet on both the multicast channel and the TCP back-channel
// starts with the same header, so the sender and receiver never touch raw
// packet bytes directly; everything goes through this package.
package fmtp

import (
	"encoding/binary"
	"errors"
	"math"
)

// Packet geometry. The maximum packet length is pinned to 1460 octets so
// that a full packet never fragments on a standard-MTU Ethernet path,
// whether it travels over UDP multicast or the TCP back-channel.
const (
	HeaderLen    = 16
	MaxPacketLen = 1460
	MaxDataLen   = MaxPacketLen - HeaderLen

	// LinkOverhead is the per-packet octet count beyond the FMTP packet
	// itself (UDP/IP headers plus Ethernet framing) charged against the
	// rate shaper so that the configured rate bounds wire occupancy.
	LinkOverhead = 42
)

// Header flags. FlagData is the zero value; all others are distinct bits.
const (
	FlagData           uint32 = 0x0000 // data packet
	FlagBOF            uint32 = 0x0001 // beginning of product
	FlagEOF            uint32 = 0x0002 // end of product
	FlagSenderMsgExp   uint32 = 0x0004 // sender control message
	FlagRetransReq     uint32 = 0x0008 // retransmission request
	FlagRetransData    uint32 = 0x0010 // retransmitted data
	FlagRetransEnd     uint32 = 0x0020 // retransmission finished
	FlagRetransTimeout uint32 = 0x0040 // product abandoned by sender
	FlagBOFReq         uint32 = 0x0080 // BOF replay request
	FlagHistoryStats   uint32 = 0x0100 // receiver history statistics

	// knownFlags is the union of every defined bit. Anything outside it
	// fails header validation.
	knownFlags = FlagBOF | FlagEOF | FlagSenderMsgExp | FlagRetransReq |
		FlagRetransData | FlagRetransEnd | FlagRetransTimeout |
		FlagBOFReq | FlagHistoryStats
)

// Errors generated by the codec.
var (
	// ErrMalformedHeader is returned when header bytes fail validation:
	// fewer than HeaderLen octets available, flag bits outside the known
	// set, or a data length beyond what a header field can carry.
	ErrMalformedHeader = errors.New("malformed FMTP header")

	// ErrMalformedMessage is returned when a control-message body is
	// shorter than its fixed layout requires.
	ErrMalformedMessage = errors.New("malformed FMTP control message")
)

// Header is the fixed header carried by every FMTP packet. Seq is the byte
// offset of the packet's payload within its product; DataLen is the number
// of payload octets following the header.
//
// Wire layout, network byte order:
//
//	octets 0-1   source port
//	octets 2-3   destination port
//	octets 4-7   product id
//	octets 8-11  sequence number (byte offset)
//	octets 12-13 data length
//	octets 14-15 flags
//
// DataLen and Flags are 16 bits on the wire; both fields are held as
// uint32 here so arithmetic against product sizes and the flag constants
// needs no conversions. A data length never exceeds MaxDataLen for DATA
// packets or the fixed control-body sizes otherwise, so 16 bits suffice.
type Header struct {
	SrcPort   uint16
	DstPort   uint16
	ProductID uint32
	Seq       uint32
	DataLen   uint32
	Flags     uint32
}

// EncodeHeader writes h into the first HeaderLen octets of buf, which must
// hold at least HeaderLen octets. It fails if DataLen or Flags do not fit
// their wire fields.
func EncodeHeader(h *Header, buf []byte) error {
	if len(buf) < HeaderLen {
		return ErrMalformedHeader
	}
	if h.DataLen > 0xffff || h.Flags > 0xffff {
		return ErrMalformedHeader
	}
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.ProductID)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.DataLen))
	binary.BigEndian.PutUint16(buf[14:16], uint16(h.Flags))
	return nil
}

// DecodeHeader parses the first HeaderLen octets of buf, validating the
// flag bits against the known set.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, ErrMalformedHeader
	}
	h.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	h.DstPort = binary.BigEndian.Uint16(buf[2:4])
	h.ProductID = binary.BigEndian.Uint32(buf[4:8])
	h.Seq = binary.BigEndian.Uint32(buf[8:12])
	h.DataLen = uint32(binary.BigEndian.Uint16(buf[12:14]))
	h.Flags = uint32(binary.BigEndian.Uint16(buf[14:16]))
	if h.Flags&^knownFlags != 0 {
		return h, ErrMalformedHeader
	}
	return h, nil
}

// putFloat64 and getFloat64 move the SenderMessage timestamp through its
// wire representation (IEEE 754 bits, network byte order).
func putFloat64(buf []byte, f float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
}

func getFloat64(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf))
}
