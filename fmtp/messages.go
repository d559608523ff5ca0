package fmtp

import "encoding/binary"

// Sender-message types carried in SenderMessage.MsgType. BOF packets use
// the transfer-start types to tell receivers what kind of product
// follows; the rest are operator commands delivered over the
// back-channel with FlagSenderMsgExp.
const (
	MsgMemoryTransferStart uint32 = 3
	MsgFileTransferStart   uint32 = 5
	MsgCollectStats        uint32 = 13
	MsgResetHistoryStats   uint32 = 15
	MsgSetLossRate         uint32 = 16
)

// SenderMessageTextLen is the fixed size of the text field of a
// SenderMessage: long enough for a product (file) name or a short
// command argument.
const SenderMessageTextLen = 256

// SenderMessageLen is the encoded size of a SenderMessage body.
const SenderMessageLen = 4 + 4 + 4 + SenderMessageTextLen + 8

// SenderMessage is the control body of BOF packets and of sender commands
// (FlagSenderMsgExp). For transfer-start messages DataLen is the product
// size in octets and Text carries the product name; Timestamp is the
// sender's clock in seconds, used by receivers to estimate clock skew.
type SenderMessage struct {
	MsgType   uint32
	ProductID uint32
	DataLen   uint32
	Text      string
	Timestamp float64
}

// EncodeSenderMessage writes m into buf, which must hold at least
// SenderMessageLen octets. Text longer than SenderMessageTextLen is
// truncated; the field is NUL padded.
func EncodeSenderMessage(m *SenderMessage, buf []byte) error {
	if len(buf) < SenderMessageLen {
		return ErrMalformedMessage
	}
	binary.BigEndian.PutUint32(buf[0:4], m.MsgType)
	binary.BigEndian.PutUint32(buf[4:8], m.ProductID)
	binary.BigEndian.PutUint32(buf[8:12], m.DataLen)
	text := buf[12 : 12+SenderMessageTextLen]
	for i := range text {
		text[i] = 0
	}
	copy(text, m.Text)
	putFloat64(buf[12+SenderMessageTextLen:], m.Timestamp)
	return nil
}

// DecodeSenderMessage parses a SenderMessage body from buf.
func DecodeSenderMessage(buf []byte) (SenderMessage, error) {
	var m SenderMessage
	if len(buf) < SenderMessageLen {
		return m, ErrMalformedMessage
	}
	m.MsgType = binary.BigEndian.Uint32(buf[0:4])
	m.ProductID = binary.BigEndian.Uint32(buf[4:8])
	m.DataLen = binary.BigEndian.Uint32(buf[8:12])
	text := buf[12 : 12+SenderMessageTextLen]
	end := 0
	for end < len(text) && text[end] != 0 {
		end++
	}
	m.Text = string(text[:end])
	m.Timestamp = getFloat64(buf[12+SenderMessageTextLen:])
	return m, nil
}

// RetransRequestLen is the encoded size of a RetransRequest body.
const RetransRequestLen = 12

// RetransRequest asks the sender to replay DataLen octets of product
// ProductID starting at byte offset Seq. A request with DataLen == 0 is
// the RETRANS_END sentinel for the product.
type RetransRequest struct {
	ProductID uint32
	Seq       uint32
	DataLen   uint32
}

// EncodeRetransRequest writes r into buf, which must hold at least
// RetransRequestLen octets.
func EncodeRetransRequest(r *RetransRequest, buf []byte) error {
	if len(buf) < RetransRequestLen {
		return ErrMalformedMessage
	}
	binary.BigEndian.PutUint32(buf[0:4], r.ProductID)
	binary.BigEndian.PutUint32(buf[4:8], r.Seq)
	binary.BigEndian.PutUint32(buf[8:12], r.DataLen)
	return nil
}

// DecodeRetransRequest parses a RetransRequest body from buf.
func DecodeRetransRequest(buf []byte) (RetransRequest, error) {
	var r RetransRequest
	if len(buf) < RetransRequestLen {
		return r, ErrMalformedMessage
	}
	r.ProductID = binary.BigEndian.Uint32(buf[0:4])
	r.Seq = binary.BigEndian.Uint32(buf[4:8])
	r.DataLen = binary.BigEndian.Uint32(buf[8:12])
	return r, nil
}
