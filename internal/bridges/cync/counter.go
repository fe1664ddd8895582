package cync

import "sync/atomic"

// iterationModulus is where the iteration counter wraps.
const iterationModulus = 0xff

// defaultCounter is shared by every connection in the process.
var defaultCounter IterationCounter

// IterationCounter is the wrapping byte counter embedded in iteration
// responses. It yields 1, 2, ..., 254, 0, 1, ... and is safe for concurrent use.
type IterationCounter struct {
	n atomic.Uint64
}

// Next advances the counter and returns the new value.
func (c *IterationCounter) Next() byte {
	return byte(c.n.Add(1) % iterationModulus)
}

// Response advances the counter and builds the iteration response frame.
func (c *IterationCounter) Response() []byte {
	return []byte{0x88, 0x00, 0x00, 0x00, 0x03, 0x00, c.Next(), 0x00}
}
