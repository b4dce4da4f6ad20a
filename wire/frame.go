package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a control-stream frame may declare.
// ReadFrame rejects anything above this before allocating a buffer for it, so a
// corrupt or hostile length prefix can't be used to force an arbitrarily
// large allocation.
const MaxFrameSize = 16 * 1024 * 1024 // 16 MiB

// ErrFrameTooLarge is returned by ReadFrame when a declared frame length
// exceeds MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d byte ceiling", MaxFrameSize)

// frameHeaderLen is the width of the length prefix on the control stream:
// an 8-byte little-endian u64.
const frameHeaderLen = 8

// AppendFrame appends payload to dst prefixed with its little-endian u64
// length, the control-stream framing used for every encoded Message.
func AppendFrame(dst []byte, payload []byte) []byte {
	var hdr [frameHeaderLen]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ReadFrame reads one length-prefixed frame from r. It rejects a declared
// length above MaxFrameSize without allocating a buffer for it.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ErrShortDatagram is returned by DecodeDatagram when the input is smaller
// than the fixed stream-id header.
var ErrShortDatagram = errors.New("wire: datagram shorter than stream-id header")

// datagramHeaderLen is the width of the stream-id header on unreliable
// datagrams: an 8-byte big-endian u64. The endianness
// deliberately differs from the control stream's length prefix — this
// mirrors the original wire format and is not a bug to "fix".
const datagramHeaderLen = 8

// EncodeDatagram prepends id, big-endian, to payload.
func EncodeDatagram(id StreamID, payload []byte) []byte {
	out := make([]byte, datagramHeaderLen+len(payload))
	binary.BigEndian.PutUint64(out[:datagramHeaderLen], uint64(id))
	copy(out[datagramHeaderLen:], payload)
	return out
}

// DecodeDatagram splits a received datagram into its stream id and payload.
// A datagram shorter than the header is reported as ErrShortDatagram and
// should be dropped by the caller, matching quicfish's decode_datagram
// behavior for runt packets.
func DecodeDatagram(b []byte) (StreamID, []byte, error) {
	if len(b) < datagramHeaderLen {
		return 0, nil, ErrShortDatagram
	}
	id := StreamID(binary.BigEndian.Uint64(b[:datagramHeaderLen]))
	payload := b[datagramHeaderLen:]
	return id, payload, nil
}
