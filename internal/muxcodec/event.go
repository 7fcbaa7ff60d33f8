// Package muxcodec implements the wire framing for one rmux protocol
// unit: a fixed 8-byte header plus an optional body. It is purely
// syntactic — it knows nothing about encryption, sessions, or streams.
package muxcodec

import (
	"encoding/binary"
	"fmt"
)

// Flag is the high byte of the wire header's flag_len word. It selects
// the meaning of an Event.
type Flag uint8

// The exhaustive set of flag tags this protocol understands. Any other
// byte value is still parsed by Decode (the codec never rejects a
// header on flag value alone, per spec) but is a protocol violation one
// layer up, in the session dispatcher.
const (
	FlagSYN Flag = iota + 1
	FlagFIN
	FlagDATA
	FlagWindowUpdate
	FlagPING
	FlagAUTH
	FlagSHUTDOWN
)

// String returns a human-readable flag name, or "UNKNOWN(n)" for a tag
// outside the enumerated set.
func (f Flag) String() string {
	switch f {
	case FlagSYN:
		return "SYN"
	case FlagFIN:
		return "FIN"
	case FlagDATA:
		return "DATA"
	case FlagWindowUpdate:
		return "WINDOW_UPDATE"
	case FlagPING:
		return "PING"
	case FlagAUTH:
		return "AUTH"
	case FlagSHUTDOWN:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(f))
	}
}

// IsKnown reports whether f is one of the seven enumerated flags.
func (f Flag) IsKnown() bool {
	return f >= FlagSYN && f <= FlagSHUTDOWN
}

const (
	// HeaderLen is the fixed size, in bytes, of an event header.
	HeaderLen = 8

	// MaxBodyLen is the largest body the 24-bit length field can carry:
	// 16 MiB - 1.
	MaxBodyLen = 1<<24 - 1
)

// Event is the atomic protocol unit: a header plus an optional body.
type Event struct {
	Flag     Flag
	StreamID uint32
	Body     []byte
}

// HasBody reports whether flag is one of the flags permitted to carry
// a non-empty body on the wire: DATA and AUTH carry payload, and SYN
// carries the destination address (see SPEC_FULL.md §13 on the
// §3-vs-§4.4 body-on-SYN resolution).
func HasBody(flag Flag) bool {
	return flag == FlagDATA || flag == FlagAUTH || flag == FlagSYN
}

// EncodeHeader packs flag, streamID and bodyLen into the 8-byte wire
// header layout: flag_len (u32 LE, high byte = flag, low 24 bits =
// bodyLen) followed by stream_id (u32 LE).
func EncodeHeader(flag Flag, streamID uint32, bodyLen int) ([HeaderLen]byte, error) {
	var hdr [HeaderLen]byte
	if bodyLen < 0 || bodyLen > MaxBodyLen {
		return hdr, fmt.Errorf("muxcodec: body length %d exceeds %d", bodyLen, MaxBodyLen)
	}
	flagLen := uint32(flag)<<24 | uint32(bodyLen)&0x00FFFFFF
	binary.LittleEndian.PutUint32(hdr[0:4], flagLen)
	binary.LittleEndian.PutUint32(hdr[4:8], streamID)
	return hdr, nil
}

// DecodeHeader unpacks an 8-byte wire header into its flag, stream id
// and declared body length.
func DecodeHeader(hdr [HeaderLen]byte) (flag Flag, streamID uint32, bodyLen int) {
	flagLen := binary.LittleEndian.Uint32(hdr[0:4])
	flag = Flag(flagLen >> 24)
	bodyLen = int(flagLen & 0x00FFFFFF)
	streamID = binary.LittleEndian.Uint32(hdr[4:8])
	return
}

// NeedMoreError signals that a Decode call did not find a complete
// event in the supplied buffer. It is not a parse error: the caller
// should read N additional bytes and retry decoding from the start of
// the same buffer.
type NeedMoreError struct {
	N int
}

func (e *NeedMoreError) Error() string {
	return fmt.Sprintf("muxcodec: need %d more bytes", e.N)
}

func needMore(n int) error {
	return &NeedMoreError{N: n}
}

// Encode serializes ev to the plain wire layout: flag_len ‖ stream_id ‖
// body. The body is omitted by the wire format itself whenever flag is
// not one of the body-carrying flags (see HasBody) or the body is
// empty, so Encode ignores ev.Body in those cases.
func Encode(ev Event) ([]byte, error) {
	body := ev.Body
	if !HasBody(ev.Flag) {
		body = nil
	}
	hdr, err := EncodeHeader(ev.Flag, ev.StreamID, len(body))
	if err != nil {
		return nil, err
	}
	out := make([]byte, HeaderLen+len(body))
	copy(out, hdr[:])
	copy(out[HeaderLen:], body)
	return out, nil
}

// Decode parses one Event from the front of buf in the plain wire
// layout. On success it returns the event and the number of bytes
// consumed from buf. If buf does not yet hold a complete event, Decode
// returns a *NeedMoreError specifying exactly how many additional bytes
// the caller must append before retrying.
func Decode(buf []byte) (Event, int, error) {
	if len(buf) < HeaderLen {
		return Event{}, 0, needMore(HeaderLen - len(buf))
	}
	var hdr [HeaderLen]byte
	copy(hdr[:], buf[:HeaderLen])
	flag, streamID, bodyLen := DecodeHeader(hdr)

	if !HasBody(flag) || bodyLen == 0 {
		return Event{Flag: flag, StreamID: streamID, Body: nil}, HeaderLen, nil
	}

	need := HeaderLen + bodyLen - len(buf)
	if need > 0 {
		return Event{}, 0, needMore(need)
	}

	body := make([]byte, bodyLen)
	copy(body, buf[HeaderLen:HeaderLen+bodyLen])
	return Event{Flag: flag, StreamID: streamID, Body: body}, HeaderLen + bodyLen, nil
}
