package cync

import "fmt"

// DefaultMaxFrameSize is the largest payload length the reader accepts
// unless configured otherwise.
const DefaultMaxFrameSize = 64 * 1024

// FrameReader reassembles length-prefixed frames from a byte stream.
//
// TCP delivers bytes, not messages: one read may carry part of a frame or
// several frames back to back. The reader buffers what it is given and
// hands out only complete frames, in stream order.
//
// A FrameReader belongs to one connection and is not safe for concurrent use.
type FrameReader struct {
	buf     []byte
	maxSize uint32
}

// NewFrameReader creates a reader that rejects frames whose declared
// payload exceeds maxPayload bytes. A value <= 0 uses DefaultMaxFrameSize.
func NewFrameReader(maxPayload int) *FrameReader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFrameSize
	}
	return &FrameReader{maxSize: uint32(maxPayload)} //nolint:gosec // bounded by config validation
}

// Feed appends a chunk read from the transport and returns every frame that
// is now complete. Each returned frame is an independent copy.
//
// Returns:
//   - [][]byte: Complete frames in arrival order (may be empty)
//   - error: ErrProtocolDesync if a header declares an oversized payload;
//     the stream cannot be trusted after that and the reader must be discarded
func (r *FrameReader) Feed(chunk []byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)

	var frames [][]byte
	for len(r.buf) >= HeaderSize {
		length := PayloadLength(r.buf)
		if length > r.maxSize {
			return frames, fmt.Errorf("%w: declared payload %d exceeds %d (opcode 0x%02x)",
				ErrProtocolDesync, length, r.maxSize, r.buf[0])
		}

		total := HeaderSize + int(length)
		if len(r.buf) < total {
			break
		}

		frame := make([]byte, total)
		copy(frame, r.buf[:total])
		frames = append(frames, frame)
		r.buf = r.buf[total:]
	}

	// Release the consumed prefix once the buffer drains.
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}
