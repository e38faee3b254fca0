package main

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxBufferSizeOneshot = 4 * 1024 * 1024
	maxBufferSizeStream  = 1024 * 1024 * 1024
	maxSampleRate        = 100e6
	maxChunkSize         = 1 << 19
	minChunkSize         = 4
	minDelay             = -(1 << 13)
	maxDelay             = (1 << 13) - 1
	streamKernelBuffers  = 64
	autoTriggerMargin    = 100 * time.Millisecond
)

var errConfiguration = errors.New("invalid capture configuration")

type captureMode uint8

const (
	modeOneshot captureMode = iota
	modeStreaming
)

func (m captureMode) String() string {
	if m == modeStreaming {
		return "stream"
	}
	return "oneshot"
}

func parseCaptureMode(s string) (captureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "oneshot", "single":
		return modeOneshot, nil
	case "stream", "streaming", "continuous":
		return modeStreaming, nil
	}
	return modeOneshot, fmt.Errorf("%w: unknown capture mode %q", errConfiguration, s)
}

func (m captureMode) ceiling() uint64 {
	if m == modeStreaming {
		return maxBufferSizeStream
	}
	return maxBufferSizeOneshot
}

// captureSession is the immutable parameter set of one capture, taken at
// start. The worker only ever reads from it.
type captureSession struct {
	id         uint64
	sampleRate float64
	bufferSize uint64
	mode       captureMode
	delay      int
	chunkSize  uint64
	started    time.Time
}

// roundBufferSize rounds n up to a multiple of 4.
func roundBufferSize(n uint64) uint64 {
	return (n + 3) / 4 * 4
}

// validateCapture checks the requested values against the mode limits and
// returns the rounded buffer size.
func validateCapture(sampleRate float64, bufferSize uint64, mode captureMode, delay int) (uint64, error) {
	if sampleRate <= 0 || sampleRate > maxSampleRate {
		return 0, fmt.Errorf("%w: sample rate %g Hz outside (0, %g]", errConfiguration, sampleRate, float64(maxSampleRate))
	}
	if bufferSize == 0 || bufferSize > mode.ceiling() {
		return 0, fmt.Errorf("%w: buffer size %d outside [1, %d] for %s", errConfiguration, bufferSize, mode.ceiling(), mode)
	}
	if mode == modeOneshot && (delay < minDelay || delay > maxDelay) {
		return 0, fmt.Errorf("%w: trigger delay %d outside [%d, %d]", errConfiguration, delay, minDelay, maxDelay)
	}
	return roundBufferSize(bufferSize), nil
}

// chunkSizeFor splits a streaming buffer into power-of-two fractions no
// larger than 2^19 samples. Chunks stay multiples of minChunkSize.
func chunkSizeFor(bufferSize uint64) uint64 {
	chunks := uint(4)
	for (bufferSize >> chunks) > maxChunkSize {
		chunks++
	}
	return max((bufferSize>>chunks)&^(minChunkSize-1), minChunkSize)
}

// timeOffset is the sample offset applied when converting sample indices to
// time: the trigger delay in oneshot mode, mid-buffer when streaming.
func (s *captureSession) timeOffset() int {
	if s.mode == modeStreaming {
		return -int(s.bufferSize / 2)
	}
	return s.delay
}

// autoTriggerTimeout is one buffer's duration (one chunk's when streaming)
// plus a fixed margin.
func autoTriggerTimeout(sampleRate float64, bufferSize uint64, mode captureMode) time.Duration {
	if sampleRate <= 0 {
		return autoTriggerMargin
	}
	seconds := float64(bufferSize) / sampleRate
	if mode == modeStreaming {
		if count := bufferSize / chunkSizeFor(bufferSize); count > 0 {
			seconds /= float64(count)
		}
	}
	return time.Duration(seconds*float64(time.Second)) + autoTriggerMargin
}
