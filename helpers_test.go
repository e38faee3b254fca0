package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice is a scriptable digitalDevice. Without readFn every read
// succeeds at once and fills dst with the read's index.
type fakeDevice struct {
	mu          sync.Mutex
	channels    int
	conds       []triggerCondition
	ext         triggerCondition
	rate        float64
	streaming   bool
	delay       int
	kernelDepth int
	flushes     int
	readSizes   []int
	cancel      chan struct{}
	cancels     int
	setCalls    int

	readFn func(ctx context.Context, cancel <-chan struct{}, idx int, dst []uint16) error
}

func newFakeDevice(channels int) *fakeDevice {
	return &fakeDevice{channels: channels, conds: make([]triggerCondition, channels)}
}

// blockAfter lets the first n reads succeed and blocks every later one
// until it is cancelled.
func blockAfter(n int) func(context.Context, <-chan struct{}, int, []uint16) error {
	return func(ctx context.Context, cancel <-chan struct{}, idx int, dst []uint16) error {
		if idx < n {
			for i := range dst {
				dst[i] = uint16(idx)
			}
			return nil
		}
		select {
		case <-ctx.Done():
		case <-cancel:
		}
		return errReadCanceled
	}
}

func (f *fakeDevice) Channels() int { return f.channels }

func (f *fakeDevice) SetSampleRate(hz float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = hz
	return hz, nil
}

func (f *fakeDevice) SetBufferSizeLimits(min, max uint64) error { return nil }

func (f *fakeDevice) ReadSamples(ctx context.Context, dst []uint16) error {
	f.mu.Lock()
	idx := len(f.readSizes)
	f.readSizes = append(f.readSizes, len(dst))
	cancel := make(chan struct{})
	f.cancel = cancel
	fn := f.readFn
	f.mu.Unlock()

	if fn == nil {
		for i := range dst {
			dst[i] = uint16(idx)
		}
		return nil
	}
	return fn(ctx, cancel, idx, dst)
}

func (f *fakeDevice) CancelRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	if f.cancel != nil {
		close(f.cancel)
		f.cancel = nil
	}
}

func (f *fakeDevice) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeDevice) SetKernelBufferDepth(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kernelDepth = n
	return nil
}

func (f *fakeDevice) TriggerCondition(ch int) (triggerCondition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch < 0 || ch >= f.channels {
		return triggerNone, errInvalidArgument
	}
	return f.conds[ch], nil
}

func (f *fakeDevice) SetTriggerCondition(ch int, c triggerCondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch < 0 || ch >= f.channels {
		return errInvalidArgument
	}
	f.setCalls++
	f.conds[ch] = c
	return nil
}

func (f *fakeDevice) ExternalTriggerCondition() (triggerCondition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ext, nil
}

func (f *fakeDevice) SetExternalTriggerCondition(c triggerCondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	f.ext = c
	return nil
}

func (f *fakeDevice) SetStreamingFlag(streaming bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = streaming
	return nil
}

func (f *fakeDevice) SetTriggerDelay(samples int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = samples
	return nil
}

func (f *fakeDevice) Close() error { return nil }

func (f *fakeDevice) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readSizes)
}

func (f *fakeDevice) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.readSizes...)
}

// streamSettings returns the streaming flag and kernel buffer depth last set.
func (f *fakeDevice) streamSettings() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming, f.kernelDepth
}

func (f *fakeDevice) conditions() ([]triggerCondition, triggerCondition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggerCondition(nil), f.conds...), f.ext
}

// waitFinished collects the session's events up to and including
// eventFinished.
func waitFinished(t *testing.T, q *eventQueue, session uint64) []captureEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []captureEvent
	for {
		batch, err := q.next(ctx)
		require.NoError(t, err, "session %d did not finish", session)
		for _, ev := range batch {
			if ev.session != session {
				continue
			}
			got = append(got, ev)
			if ev.kind == eventFinished {
				return got
			}
		}
	}
}

func rangesOf(events []captureEvent) [][2]uint64 {
	var out [][2]uint64
	for _, ev := range events {
		if ev.kind == eventRange {
			out = append(out, [2]uint64{ev.from, ev.to})
		}
	}
	return out
}

func statesOf(events []captureEvent) []triggerState {
	var out []triggerState
	for _, ev := range events {
		if ev.kind == eventStatus {
			out = append(out, ev.state)
		}
	}
	return out
}

// recordingFeed keeps every published message.
type recordingFeed struct {
	mu   sync.Mutex
	msgs []feedMessage
}

func (r *recordingFeed) publish(msg feedMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recordingFeed) messages() []feedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feedMessage(nil), r.msgs...)
}

func (r *recordingFeed) states() []string {
	var out []string
	for _, m := range r.messages() {
		if m.Type == "status" {
			out = append(out, m.State)
		}
	}
	return out
}

func (r *recordingFeed) stopped(session uint64) bool {
	for _, m := range r.messages() {
		if m.Type == "status" && m.Session == session && m.State == stateStop.String() {
			return true
		}
	}
	return false
}
