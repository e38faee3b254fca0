package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	simBaseClock     = 100e6
	simChannels      = 16
	simSamplesPerBit = 16
	simTriggerWindow = 1 << 20
)

var simMessage = []byte("logicctl\n")

type simOption func(*simDevice)

// simRealtime paces reads at the configured sample rate.
func simRealtime(on bool) simOption {
	return func(s *simDevice) { s.realtime = on }
}

// simPattern replaces the generated waveform.
func simPattern(f func(i uint64) uint16) simOption {
	return func(s *simDevice) { s.pattern = f }
}

// simDevice is an in-process digital front-end. Channel 0 carries a UART
// stream at sampleRate/16 baud; channel n>0 toggles every 2^n samples.
type simDevice struct {
	mu          sync.Mutex
	channels    int
	rate        float64
	streaming   bool
	delay       int
	kernelDepth int
	minBuf      uint64
	maxBuf      uint64
	conds       []triggerCondition
	ext         triggerCondition
	armed       bool
	armedConds  []triggerCondition
	armedExt    triggerCondition
	pos         uint64
	realtime    bool
	pattern     func(i uint64) uint16
	cancelRead  chan struct{}
	closed      bool
}

func newSimDevice(channels int, opts ...simOption) *simDevice {
	if channels <= 0 || channels > simChannels {
		channels = simChannels
	}
	s := &simDevice{
		channels: channels,
		rate:     simBaseClock,
		conds:    make([]triggerCondition, channels),
		pattern:  simWaveform,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func simWaveform(i uint64) uint16 {
	var w uint16
	if simUARTLevel(i) {
		w |= 1
	}
	for ch := 1; ch < simChannels; ch++ {
		if (i>>uint(ch))&1 != 0 {
			w |= 1 << uint(ch)
		}
	}
	return w
}

// simUARTLevel frames simMessage 8N1, LSB first, followed by two idle
// frame times.
func simUARTLevel(i uint64) bool {
	frameLen := uint64(10 * simSamplesPerBit)
	period := uint64(len(simMessage)+2) * frameLen
	off := i % period
	frame := off / frameLen
	if frame >= uint64(len(simMessage)) {
		return true
	}
	bit := (off / simSamplesPerBit) % 10
	switch bit {
	case 0:
		return false
	case 9:
		return true
	}
	return (simMessage[frame]>>(bit-1))&1 != 0
}

func (s *simDevice) Channels() int { return s.channels }

// SetSampleRate coerces hz to the nearest integer divider of the base clock.
func (s *simDevice) SetSampleRate(hz float64) (float64, error) {
	if hz <= 0 {
		return 0, fmt.Errorf("%w: sample rate %g", errInvalidArgument, hz)
	}
	div := math.Max(1, math.Round(simBaseClock/hz))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = simBaseClock / div
	return s.rate, nil
}

func (s *simDevice) SetBufferSizeLimits(min, max uint64) error {
	if max != 0 && min > max {
		return fmt.Errorf("%w: buffer limits %d > %d", errInvalidArgument, min, max)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minBuf, s.maxBuf = min, max
	return nil
}

func (s *simDevice) ReadSamples(ctx context.Context, dst []uint16) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errReadCanceled
	}
	n := uint64(len(dst))
	if n == 0 || n < s.minBuf || (s.maxBuf != 0 && n > s.maxBuf) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d samples", errInvalidArgument, n)
	}
	cancel := make(chan struct{})
	s.cancelRead = cancel
	rate, ext, armed := s.rate, s.armedExt, s.armed
	s.mu.Unlock()

	// Nothing is ever wired to the external trigger input.
	if armed && ext != triggerNone {
		return s.block(ctx, cancel)
	}

	s.mu.Lock()
	if armed {
		start, ok := s.findTrigger()
		if !ok {
			s.mu.Unlock()
			return s.block(ctx, cancel)
		}
		s.pos = start
		s.armed = false
	}
	for i := range dst {
		dst[i] = s.pattern(s.pos + uint64(i))
	}
	s.pos += n
	s.mu.Unlock()

	if s.realtime {
		d := time.Duration(float64(n) / rate * float64(time.Second))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return errReadCanceled
		case <-cancel:
			return errReadCanceled
		case <-t.C:
		}
	}
	return nil
}

// findTrigger locates the first sample at or after pos satisfying every
// channel condition latched by Flush and returns the delayed start index.
// The caller holds s.mu.
func (s *simDevice) findTrigger() (uint64, bool) {
	active := false
	for _, c := range s.armedConds {
		if c != triggerNone {
			active = true
			break
		}
	}
	if !active {
		return s.pos, true
	}

	prev := s.pattern(s.pos)
	for i := s.pos + 1; i < s.pos+simTriggerWindow; i++ {
		cur := s.pattern(i)
		hit := true
		for ch, c := range s.armedConds {
			if c == triggerNone {
				continue
			}
			if !c.matches(prev&(1<<uint(ch)) != 0, cur&(1<<uint(ch)) != 0) {
				hit = false
				break
			}
		}
		if hit {
			start := int64(i) + int64(s.delay)
			if start < 0 {
				start = 0
			}
			return uint64(start), true
		}
		prev = cur
	}
	return 0, false
}

func (s *simDevice) block(ctx context.Context, cancel chan struct{}) error {
	select {
	case <-ctx.Done():
	case <-cancel:
	}
	return errReadCanceled
}

func (s *simDevice) CancelRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRead != nil {
		close(s.cancelRead)
		s.cancelRead = nil
	}
}

// Flush drops buffered samples and arms the trigger with the conditions
// set at this point. Later condition changes apply at the next Flush.
func (s *simDevice) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.armedConds = append(s.armedConds[:0], s.conds...)
	s.armedExt = s.ext
	return nil
}

func (s *simDevice) SetKernelBufferDepth(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: kernel buffer depth %d", errInvalidArgument, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kernelDepth = n
	return nil
}

func (s *simDevice) TriggerCondition(ch int) (triggerCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch < 0 || ch >= len(s.conds) {
		return triggerNone, fmt.Errorf("%w: channel %d", errInvalidArgument, ch)
	}
	return s.conds[ch], nil
}

func (s *simDevice) SetTriggerCondition(ch int, c triggerCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch < 0 || ch >= len(s.conds) {
		return fmt.Errorf("%w: channel %d", errInvalidArgument, ch)
	}
	s.conds[ch] = c
	return nil
}

func (s *simDevice) ExternalTriggerCondition() (triggerCondition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ext, nil
}

func (s *simDevice) SetExternalTriggerCondition(c triggerCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ext = c
	return nil
}

func (s *simDevice) SetStreamingFlag(streaming bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = streaming
	return nil
}

func (s *simDevice) SetTriggerDelay(samples int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = samples
	return nil
}

func (s *simDevice) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelRead()
	return nil
}
