package device

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing: 0x94 0xC3, payload length as 16-bit big endian, payload.
// Bytes outside frames are device log output and are skipped.
const (
	start1 = 0x94
	start2 = 0xc3

	// MaxPayload is the largest protobuf a frame may carry.
	MaxPayload = 512
)

// WriteFrame writes payload as one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("device: frame payload %d bytes exceeds %d", len(payload), MaxPayload)
	}
	buf := make([]byte, 4+len(payload))
	buf[0], buf[1] = start1, start2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame returns the payload of the next frame, skipping anything before
// it. A header announcing more than MaxPayload bytes is treated as noise.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start1 {
			continue
		}
		if b, err = r.ReadByte(); err != nil {
			return nil, err
		}
		if b != start2 {
			if b == start1 {
				r.UnreadByte() //nolint:errcheck
			}
			continue
		}
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint16(hdr[:])
		if n > MaxPayload {
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
