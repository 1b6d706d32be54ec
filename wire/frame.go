// Package wire implements the length-framed binary protocol spoken on every
// byte stream between clients, the daemon, and executor workers: a 4-byte
// unsigned big-endian length prefix followed by a CBOR-encoded envelope.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxPayloadBytes is the frame size ceiling applied when a caller
// passes no explicit limit.
const DefaultMaxPayloadBytes = 10 << 20

const frameHeaderSize = 4

// ErrFrameTooLarge is returned by ReadFrame when the length prefix exceeds
// the caller's limit. The payload is never allocated in that case.
var ErrFrameTooLarge = errors.New("frame exceeds payload limit")

// ReadFrame reads one length-prefixed frame from r. A clean EOF before the
// header is io.EOF; an EOF inside the header or payload is reported as an
// unexpected EOF. max <= 0 selects DefaultMaxPayloadBytes.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxPayloadBytes
	}
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > uint32(max) {
		return nil, fmt.Errorf("frame of %d bytes with limit %d: %w", n, max, ErrFrameTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading %d-byte frame payload: %w", n, err)
	}
	return payload, nil
}

// WriteFrame writes payload as one frame. The header and payload are joined
// into a single Write call so that frames from different tasks never
// interleave on a shared stream; callers still serialize writes per stream.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %d-byte frame: %w", len(payload), err)
	}
	return nil
}
