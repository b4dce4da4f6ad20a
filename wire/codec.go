package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for Message. Payload variants each own a distinct field
// number in the 10..16 range, the same way a protobuf oneof assigns one
// field per arm; this keeps the wire bytes forward-compatible with a real
// generated schema if one is introduced later (see DESIGN.md).
const (
	fieldContextID      protowire.Number = 1
	fieldOk             protowire.Number = 10
	fieldKeepalive      protowire.Number = 11
	fieldHandshakeHello protowire.Number = 12
	fieldHandshakeAck   protowire.Number = 13
	fieldOpenSubStream  protowire.Number = 14
	fieldData           protowire.Number = 15
	fieldClose          protowire.Number = 16
)

// nested field numbers within HandshakeHello/OpenSubStream embedded messages.
const (
	fieldVersionMajor protowire.Number = 1
	fieldVersionMinor protowire.Number = 2
	fieldVersionPatch protowire.Number = 3

	fieldSubStreamID        protowire.Number = 1
	fieldSubStreamIntegrity protowire.Number = 2
)

// EncodeError wraps a failure to serialize a Message. This is always a
// programmer error (an un-encodable Payload), surfaced synchronously
// to the caller of Write, never swallowed by the pump.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("wire: encode: %v", e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// ErrUnknownPayload is returned by Decode when a Message's payload tag is
// not one of the variants this package knows. Unknown variants must be
// surfaced as an error, not silently ignored.
var ErrUnknownPayload = errors.New("wire: unknown payload variant")

// ErrTruncated is returned by Decode when the input ends before a field's
// declared content, or when it lacks a context id or a payload.
var ErrTruncated = errors.New("wire: truncated message")

// Encode serializes a Message deterministically: two encoders of this
// package given equal inputs always produce identical bytes.
func Encode(m Message) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldContextID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ContextID))

	switch p := m.Payload.(type) {
	case Ok:
		b = appendEmpty(b, fieldOk)
	case Keepalive:
		b = appendEmpty(b, fieldKeepalive)
	case HandshakeHello:
		var inner []byte
		inner = protowire.AppendTag(inner, fieldVersionMajor, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(p.Version.Major))
		inner = protowire.AppendTag(inner, fieldVersionMinor, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(p.Version.Minor))
		inner = protowire.AppendTag(inner, fieldVersionPatch, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(p.Version.Patch))
		b = protowire.AppendTag(b, fieldHandshakeHello, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case HandshakeAck:
		b = appendEmpty(b, fieldHandshakeAck)
	case OpenSubStream:
		var inner []byte
		inner = protowire.AppendTag(inner, fieldSubStreamID, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(p.StreamID))
		inner = protowire.AppendTag(inner, fieldSubStreamIntegrity, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(p.Integrity))
		b = protowire.AppendTag(b, fieldOpenSubStream, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case Data:
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Bytes)
	case Close:
		b = protowire.AppendTag(b, fieldClose, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(p.Reason))
	default:
		return nil, &EncodeError{Err: fmt.Errorf("unsupported payload type %T", m.Payload)}
	}
	return b, nil
}

func appendEmpty(b []byte, field protowire.Number) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, nil)
}

// Decode is the inverse of Encode: Decode(Encode(m)) == m for every Payload
// variant this package defines. Unknown payload tags are reported as
// ErrUnknownPayload rather than dropped.
func Decode(b []byte) (Message, error) {
	var msg Message
	var haveContextID, havePayload bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, ErrTruncated
		}
		b = b[n:]

		switch num {
		case fieldContextID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			msg.ContextID = ContextID(v)
			haveContextID = true
		case fieldOk, fieldKeepalive, fieldHandshakeAck:
			bs, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			switch num {
			case fieldOk:
				msg.Payload = Ok{}
			case fieldKeepalive:
				msg.Payload = Keepalive{}
			case fieldHandshakeAck:
				msg.Payload = HandshakeAck{}
			}
			_ = bs
			havePayload = true
		case fieldHandshakeHello:
			bs, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			hello, err := decodeHandshakeHello(bs)
			if err != nil {
				return Message{}, err
			}
			msg.Payload = hello
			havePayload = true
		case fieldOpenSubStream:
			bs, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			oss, err := decodeOpenSubStream(bs)
			if err != nil {
				return Message{}, err
			}
			msg.Payload = oss
			havePayload = true
		case fieldData:
			bs, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			cp := make([]byte, len(bs))
			copy(cp, bs)
			msg.Payload = Data{Bytes: cp}
			havePayload = true
		case fieldClose:
			bs, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, ErrTruncated
			}
			b = b[n:]
			msg.Payload = Close{Reason: string(bs)}
			havePayload = true
		default:
			// Every field number not handled above, including one a newer
			// encoder might add, is a hard error; no field is skipped.
			return Message{}, fmt.Errorf("%w: tag %d", ErrUnknownPayload, num)
		}
		_ = typ
	}

	if !haveContextID || !havePayload {
		return Message{}, ErrTruncated
	}
	return msg, nil
}

func decodeHandshakeHello(b []byte) (HandshakeHello, error) {
	var v Version
	for len(b) > 0 {
		num, _, n := protowire.ConsumeTag(b)
		if n < 0 {
			return HandshakeHello{}, ErrTruncated
		}
		b = b[n:]
		val, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return HandshakeHello{}, ErrTruncated
		}
		b = b[n:]
		switch num {
		case fieldVersionMajor:
			v.Major = uint32(val)
		case fieldVersionMinor:
			v.Minor = uint32(val)
		case fieldVersionPatch:
			v.Patch = uint32(val)
		}
	}
	return HandshakeHello{Version: v}, nil
}

func decodeOpenSubStream(b []byte) (OpenSubStream, error) {
	var oss OpenSubStream
	for len(b) > 0 {
		num, _, n := protowire.ConsumeTag(b)
		if n < 0 {
			return OpenSubStream{}, ErrTruncated
		}
		b = b[n:]
		val, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return OpenSubStream{}, ErrTruncated
		}
		b = b[n:]
		switch num {
		case fieldSubStreamID:
			oss.StreamID = StreamID(val)
		case fieldSubStreamIntegrity:
			oss.Integrity = IntegrityType(val)
		}
	}
	return oss, nil
}
