package muxstream

import (
	"encoding/binary"
	"fmt"
)

// maxAddrLen bounds the destination address carried in a SYN body. It
// is far smaller than MaxBodyLen; the limit exists only to reject a
// corrupt or hostile length prefix early.
const maxAddrLen = 1<<16 - 1

// EncodeSYNBody packs the destination address a locally-opened stream
// wants the peer to dial into a SYN event body: a 2-byte LE length
// prefix followed by the address bytes. Spec §4.4's create_local(addr,
// kind) carries addr in the SYN body; this implementation carries only
// addr (see SPEC_FULL.md §13 — kind belongs to the channel registry
// layer this client does not implement).
func EncodeSYNBody(addr string) ([]byte, error) {
	if len(addr) > maxAddrLen {
		return nil, fmt.Errorf("muxstream: address %q exceeds %d bytes", addr, maxAddrLen)
	}
	body := make([]byte, 2+len(addr))
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(addr)))
	copy(body[2:], addr)
	return body, nil
}

// DecodeSYNBody unpacks a SYN event body produced by EncodeSYNBody. A
// malformed body is reported to the caller, who treats it as a
// protocol violation.
func DecodeSYNBody(body []byte) (string, error) {
	if len(body) < 2 {
		return "", fmt.Errorf("muxstream: SYN body too short: %d bytes", len(body))
	}
	n := int(binary.LittleEndian.Uint16(body[0:2]))
	if len(body) != 2+n {
		return "", fmt.Errorf("muxstream: SYN body length mismatch: declared %d, have %d", n, len(body)-2)
	}
	return string(body[2:]), nil
}
