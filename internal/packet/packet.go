// Package packet implements the fixed SiriDB wire envelope: an 8-byte
// header (length, request id, type, check-byte) framing an opaque payload.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the number of bytes in the fixed envelope header.
const HeaderSize = 8

// MaxPayloadSize bounds a single packet's payload so a corrupt length field
// can't make the decoder try to allocate gigabytes.
const MaxPayloadSize = 1 << 26 // 64 MiB

// ErrCheckbitMismatch is returned when checkbit != tp XOR 0xFF on receive,
// meaning the stream has desynchronized.
var ErrCheckbitMismatch = errors.New("packet: checkbit mismatch")

// ErrTruncated is returned when fewer than HeaderSize bytes, or fewer than
// the declared payload length, are available to decode.
var ErrTruncated = errors.New("packet: truncated frame")

// ErrPayloadTooLarge is returned when a declared length exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("packet: payload too large")

// Type identifies the purpose of a packet's payload.
type Type uint8

// Packet is a single framed message: header fields plus an opaque payload.
// Len always equals len(Data); Checkbit is zero on a new packet until Encode
// computes it, and Decode copies it from the wire.
type Packet struct {
	Pid      uint16
	Tp       Type
	Checkbit uint8
	Data     []byte
}

// New allocates a packet with the given pid, type and payload. The payload
// is not copied; callers that reuse their buffer should copy first.
func New(pid uint16, tp Type, data []byte) *Packet {
	return &Packet{Pid: pid, Tp: tp, Data: data}
}

// Err constructs an error packet whose payload is the single-key record
// {"error_msg": msg}.
func Err(pid uint16, tp Type, msg string) *Packet {
	return &Packet{Pid: pid, Tp: tp, Data: encodeErrorMsg(msg)}
}

// Dup returns a byte-exact copy of pkt, safe to mutate independently.
func Dup(pkt *Packet) *Packet {
	data := make([]byte, len(pkt.Data))
	copy(data, pkt.Data)
	return &Packet{Pid: pkt.Pid, Tp: pkt.Tp, Checkbit: pkt.Checkbit, Data: data}
}

// Len returns the payload length.
func (p *Packet) Len() uint32 {
	return uint32(len(p.Data))
}

// checkbitFor returns the check-byte expected for a given type.
func checkbitFor(tp Type) uint8 {
	return uint8(tp) ^ 0xFF
}

// Encode sets the checkbit and serializes the full frame (header + payload).
func (p *Packet) Encode() []byte {
	p.Checkbit = checkbitFor(p.Tp)

	buf := make([]byte, HeaderSize+len(p.Data))
	binary.LittleEndian.PutUint32(buf[0:4], p.Len())
	binary.LittleEndian.PutUint16(buf[4:6], p.Pid)
	buf[6] = uint8(p.Tp)
	buf[7] = p.Checkbit
	copy(buf[HeaderSize:], p.Data)
	return buf
}

// DecodeHeader parses the fixed header from buf (which must be at least
// HeaderSize bytes) and validates the check-byte.
func DecodeHeader(buf []byte) (pid uint16, tp Type, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, ErrTruncated
	}

	length = binary.LittleEndian.Uint32(buf[0:4])
	pid = binary.LittleEndian.Uint16(buf[4:6])
	tp = Type(buf[6])
	checkbit := buf[7]

	if length > MaxPayloadSize {
		return 0, 0, 0, fmt.Errorf("%w: declared length %d", ErrPayloadTooLarge, length)
	}

	if checkbit != checkbitFor(tp) {
		return 0, 0, 0, ErrCheckbitMismatch
	}

	return pid, tp, length, nil
}

// Decode parses a full frame (header + payload) out of buf, returning the
// packet and the number of bytes consumed. buf may contain trailing bytes
// belonging to the next frame.
func Decode(buf []byte) (*Packet, int, error) {
	pid, tp, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrTruncated
	}

	data := make([]byte, length)
	copy(data, buf[HeaderSize:total])

	return &Packet{
		Pid:      pid,
		Tp:       tp,
		Checkbit: buf[7],
		Data:     data,
	}, total, nil
}

// encodeErrorMsg builds the minimal self-describing single-key record
// {"error_msg": msg} the original wire protocol uses for error replies.
// The full query-result codec (maps/arrays/raw/int of arbitrary shape) is
// out of scope for this core; only this one fixed shape is needed here.
func encodeErrorMsg(msg string) []byte {
	const key = "error_msg"
	buf := make([]byte, 0, len(key)+len(msg)+8)
	buf = appendRaw(buf, key)
	buf = appendRaw(buf, msg)
	return buf
}

func appendRaw(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

// DecodeErrorMsg reverses encodeErrorMsg, returning the error message from
// an error-reply payload.
func DecodeErrorMsg(data []byte) (string, error) {
	if len(data) < 4 {
		return "", ErrTruncated
	}
	klen := binary.LittleEndian.Uint32(data[0:4])
	pos := 4 + int(klen)
	if len(data) < pos+4 {
		return "", ErrTruncated
	}
	vlen := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4
	if len(data) < pos+int(vlen) {
		return "", ErrTruncated
	}
	return string(data[pos : pos+int(vlen)]), nil
}
