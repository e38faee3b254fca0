package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultTraceHeight = 10

type curveKind string

const (
	curveData       curveKind = "data"
	curveAnnotation curveKind = "annotation"
)

// logicCurve is implemented by dataCurve and annotationCurve only.
type logicCurve interface {
	Handle() uuid.UUID
	kind() curveKind
	common() *curveBase

	// onRangeAvailable consumes [from, to) of the current session; words
	// holds exactly those samples. It returns the annotations the range
	// produced.
	onRangeAvailable(from, to uint64, words []uint16) ([]Annotation, error)
	reset()
}

// curveBase is what every curve carries: identity, display attributes and
// the time-basis mirrors of the session it is decoding.
type curveBase struct {
	mu sync.Mutex

	handle      uuid.UUID
	name        string
	traceHeight int
	enabled     bool

	sampleRate float64
	bufferSize uint64
	delay      int
	processed  uint64
}

func newCurveBase(name string) curveBase {
	return curveBase{
		handle:      uuid.New(),
		name:        name,
		traceHeight: defaultTraceHeight,
		enabled:     true,
	}
}

func (b *curveBase) Handle() uuid.UUID  { return b.handle }
func (b *curveBase) common() *curveBase { return b }

func (b *curveBase) setSampleRate(hz float64) {
	b.mu.Lock()
	b.sampleRate = hz
	b.mu.Unlock()
}

func (b *curveBase) setBufferSize(n uint64) {
	b.mu.Lock()
	b.bufferSize = n
	b.mu.Unlock()
}

func (b *curveBase) setTimeTriggerOffset(delay int) {
	b.mu.Lock()
	b.delay = delay
	b.mu.Unlock()
}

func (b *curveBase) setName(name string) {
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

func (b *curveBase) setTraceHeight(h int) {
	b.mu.Lock()
	b.traceHeight = h
	b.mu.Unlock()
}

func (b *curveBase) setEnabled(on bool) {
	b.mu.Lock()
	b.enabled = on
	b.mu.Unlock()
}

func (b *curveBase) isEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

func (b *curveBase) height() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.traceHeight
}

// sampleTime converts a sample index to seconds relative to the trigger.
// Callers hold mu.
func (b *curveBase) sampleTime(i uint64) float64 {
	if b.sampleRate <= 0 {
		return 0
	}
	return (float64(i) + float64(b.delay)) / b.sampleRate
}

// checkRange rejects ranges that run backwards or past the mirrored buffer
// size. A zero buffer size means no session has been mirrored yet.
// Callers hold mu.
func (b *curveBase) checkRange(from, to uint64) error {
	if from > to || (b.bufferSize > 0 && to > b.bufferSize) {
		return fmt.Errorf("%w: range [%d,%d) outside a buffer of %d", errRangeUnavailable, from, to, b.bufferSize)
	}
	return nil
}

// clip trims [from, to) to the part not yet processed. skip is set when
// nothing is new; gap is set when the range starts past the processed end.
// Callers hold mu.
func (b *curveBase) clip(from, to uint64) (start uint64, skip, gap bool) {
	switch {
	case to <= b.processed:
		return 0, true, false
	case from < b.processed:
		return b.processed, false, false
	case from > b.processed:
		return from, false, true
	}
	return from, false, false
}

// dataCurve shows one physical channel. It does no decoding and only
// tracks how much of the buffer is valid to draw.
type dataCurve struct {
	curveBase
	channel int
}

func newDataCurve(channel int, name string) *dataCurve {
	if name == "" {
		name = fmt.Sprintf("DIO%d", channel)
	}
	return &dataCurve{curveBase: newCurveBase(name), channel: channel}
}

func (d *dataCurve) kind() curveKind { return curveData }

func (d *dataCurve) onRangeAvailable(from, to uint64, _ []uint16) ([]Annotation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(from, to); err != nil {
		return nil, err
	}
	if to > d.processed {
		d.processed = to
	}
	return nil, nil
}

func (d *dataCurve) reset() {
	d.mu.Lock()
	d.processed = 0
	d.mu.Unlock()
}

// annotationCurve decodes through its stack and keeps the top stage's
// annotations for the current session.
type annotationCurve struct {
	curveBase
	stack       *decoderStack
	annotations []Annotation
}

func newAnnotationCurve(entry Decoder, name string) (*annotationCurve, error) {
	stack, err := newDecoderStack(entry)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = entry.Descriptor().ID
	}
	return &annotationCurve{curveBase: newCurveBase(name), stack: stack}, nil
}

func (a *annotationCurve) kind() curveKind { return curveAnnotation }

func (a *annotationCurve) onRangeAvailable(from, to uint64, words []uint16) ([]Annotation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkRange(from, to); err != nil {
		return nil, err
	}
	if uint64(len(words)) != to-from {
		return nil, fmt.Errorf("%w: range [%d,%d) with %d samples", errRangeUnavailable, from, to, len(words))
	}

	start, skip, gap := a.clip(from, to)
	if skip {
		return nil, nil
	}
	if gap {
		slog.Warn("range skips undecoded samples, resetting decoder state",
			slog.String("curve", a.name),
			slog.Uint64("processed", a.processed),
			slog.Uint64("from", from))
		a.stack.reset()
	}
	words = words[start-from:]

	out := a.stack.decode(stageInput{from: start, to: to, sampleRate: a.sampleRate, words: words})
	for i := range out {
		out[i].Start = a.sampleTime(out[i].StartSample)
		out[i].End = a.sampleTime(out[i].EndSample)
	}
	a.annotations = append(a.annotations, out...)
	a.processed = to
	return out, nil
}

func (a *annotationCurve) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stack.reset()
	a.annotations = nil
	a.processed = 0
}

// push stacks d on top. The curve must be reset and redecoded afterwards.
func (a *annotationCurve) push(d Decoder) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stack.push(d)
}

func (a *annotationCurve) pop() (Decoder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stack.pop()
}

func (a *annotationCurve) decoderIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stack.ids()
}

func (a *annotationCurve) compatibleNext(catalog *decoderCatalog) ([]decoderDescriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stack.compatibleNextDecoders(catalog)
}

func (a *annotationCurve) stageOptions(i int) (*decoderOptions, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.stack.stage(i)
	if !ok {
		return nil, false
	}
	return d.Options(), true
}

// between returns a copy of the retained annotations overlapping
// [from, to) in samples.
func (a *annotationCurve) between(from, to uint64) []Annotation {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Annotation
	for _, an := range a.annotations {
		if an.EndSample > from && an.StartSample < to {
			out = append(out, an)
		}
	}
	return out
}
