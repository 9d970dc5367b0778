// Package frame implements the length-prefixed envelope used on the wire:
// a 4-byte big-endian payload length followed by the payload itself.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxPayload is the largest payload a frame may declare.
	MaxPayload = 4 << 20
)

var (
	// ErrFrameTooLarge is returned when a payload or a declared length exceeds
	// MaxPayload. It is a protocol violation, not a short read.
	ErrFrameTooLarge = errors.New("frame exceeds maximum payload size")
)

// Append appends the framed payload to dst and returns the extended slice.
// Several frames may be appended to the same buffer and written at once.
func Append(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	dst = append(dst, header[:]...)
	return append(dst, payload...), nil
}

// Encode returns a single framed payload.
func Encode(payload []byte) ([]byte, error) {
	return Append(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// Decoder extracts frames from a byte stream that may arrive in arbitrary
// pieces. It is not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int
}

// Feed adds received bytes to the decoder.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete payload. ok is false when more bytes are
// needed. A declared length above MaxPayload returns ErrFrameTooLarge and
// leaves the decoder unusable.
func (d *Decoder) Next() (payload []byte, ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) < HeaderSize {
		d.compact()
		return nil, false, nil
	}

	n := binary.BigEndian.Uint32(avail[:HeaderSize])
	if n > MaxPayload {
		return nil, false, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, n)
	}

	end := HeaderSize + int(n)
	if len(avail) < end {
		d.compact()
		return nil, false, nil
	}

	payload = make([]byte, n)
	copy(payload, avail[HeaderSize:end])
	d.off += end
	return payload, true, nil
}

// Buffered reports how many received bytes have not been consumed yet.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Reset discards any buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

// compact moves the unconsumed tail to the front once the consumed prefix
// dominates the buffer.
func (d *Decoder) compact() {
	if d.off == 0 || d.off < len(d.buf)/2 {
		return
	}
	n := copy(d.buf, d.buf[d.off:])
	d.buf = d.buf[:n]
	d.off = 0
}
