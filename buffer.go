package main

import (
	"fmt"
	"sync/atomic"
)

// sampleBuffer holds one capture session's sample words. The capture
// worker is its only writer; everything below the published end is
// immutable for the rest of the session.
type sampleBuffer struct {
	words     []uint16
	streaming bool
	written   atomic.Uint64
}

func newSampleBuffer(capacity uint64, streaming bool) *sampleBuffer {
	return &sampleBuffer{
		words:     make([]uint16, capacity),
		streaming: streaming,
	}
}

func (b *sampleBuffer) capacity() uint64 { return uint64(len(b.words)) }

// window returns the writable slice for [from, to). Only the capture worker
// calls it.
func (b *sampleBuffer) window(from, to uint64) []uint16 {
	return b.words[from:to]
}

// publish marks [0, end) as complete.
func (b *sampleBuffer) publish(end uint64) {
	b.written.Store(end)
}

func (b *sampleBuffer) lastWritten() uint64 { return b.written.Load() }

// bufferState is the status view of a session buffer.
type bufferState struct {
	Capacity  uint64 `json:"capacity"`
	Written   uint64 `json:"written"`
	Streaming bool   `json:"streaming"`
}

func (b *sampleBuffer) state() bufferState {
	return bufferState{Capacity: b.capacity(), Written: b.lastWritten(), Streaming: b.streaming}
}

// read copies [from, to) out of the published region.
func (b *sampleBuffer) read(from, to uint64) ([]uint16, error) {
	if from > to || to > b.written.Load() {
		return nil, fmt.Errorf("%w: [%d,%d) beyond %d", errRangeUnavailable, from, to, b.written.Load())
	}
	out := make([]uint16, to-from)
	copy(out, b.words[from:to])
	return out, nil
}
