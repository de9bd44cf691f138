// Package protocol implements the length-prefixed wire framing used
// between chat clients and the server. Each frame is a 4-byte
// big-endian unsigned length N followed by exactly N bytes of UTF-8
// payload. A zero-length frame is valid and carries an empty payload.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// headerLen is the size of the length prefix in bytes.
const headerLen = 4

// MaxFrameSize bounds a single payload. Frames advertising more than
// this are treated as protocol corruption and the connection is
// dropped by the caller.
const MaxFrameSize = 16 << 20 // 16 MiB

// ErrFrameTooLarge is returned by Decoder.Push when a frame header
// advertises a payload larger than MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// Encode prepends the length header to payload and returns the bytes
// to put on the wire.
func Encode(payload []byte) []byte {
	frame := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerLen:], payload)
	return frame
}

// EncodeString is Encode for string payloads.
func EncodeString(payload string) []byte {
	return Encode([]byte(payload))
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// It keeps partial headers and partial payloads across Push calls, so
// a frame split over any number of readiness events decodes the same
// as one delivered whole. The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// Push appends chunk to the accumulator and detaches every complete
// frame, returning the payloads in wire order. The returned slices are
// copies and stay valid after the next Push.
func (d *Decoder) Push(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var msgs [][]byte
	for len(d.buf) >= headerLen {
		n := binary.BigEndian.Uint32(d.buf)
		if n > MaxFrameSize {
			return msgs, ErrFrameTooLarge
		}
		total := headerLen + int(n)
		if len(d.buf) < total {
			break
		}
		payload := make([]byte, n)
		copy(payload, d.buf[headerLen:total])
		msgs = append(msgs, payload)
		d.buf = d.buf[total:]
	}

	// Release the backing array once fully drained so a burst of large
	// frames does not pin memory for the lifetime of the connection.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return msgs, nil
}

// Pending reports how many bytes are buffered awaiting a complete frame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// WriteFrame encodes payload and writes it to w, retrying until the
// whole frame has been accepted or the writer fails.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := Encode(payload)
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// ReadFrame reads one complete frame from r. It is used by the
// client, which owns a blocking socket.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
