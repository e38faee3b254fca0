package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxReadFailures = 8

var (
	errAlreadyRunning   = errors.New("capture already running")
	errNotConfigured    = errors.New("capture not configured")
	errRangeUnavailable = errors.New("sample range not available")
)

// triggerState is what a renderer shows for the capture.
type triggerState uint8

const (
	stateStop triggerState = iota
	stateWaiting
	stateTriggered
	stateAuto
)

func (s triggerState) String() string {
	switch s {
	case stateWaiting:
		return "Waiting"
	case stateTriggered:
		return "Triggered"
	case stateAuto:
		return "Auto"
	}
	return "Stop"
}

// captureStatus pairs the Stop/Waiting/Triggered state with whether the
// auto-trigger watchdog is armed.
type captureStatus struct {
	State triggerState
	Auto  bool
}

// display folds the auto flag into the state the way the panel shows it.
func (s captureStatus) display() triggerState {
	if s.Auto && s.State == stateWaiting {
		return stateAuto
	}
	return s.State
}

type captureSettings struct {
	sampleRate float64
	bufferSize uint64
	mode       captureMode
	delay      int
}

type acquisitionController struct {
	ctx      context.Context
	mu       sync.Mutex
	dev      digitalDevice
	events   *eventQueue
	stats    *statsInternal
	tracer   trace.Tracer
	settings captureSettings
	autoMode bool
	nextID   uint64
	session  *captureSession
	buffer   *sampleBuffer
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	snapshot triggerSnapshot
	timer    autoTriggerTimer
	status   captureStatus
	span     trace.Span

	lastCaptured atomic.Uint64
}

func newAcquisitionController(ctx context.Context, dev digitalDevice, events *eventQueue, stats *statsInternal) *acquisitionController {
	return &acquisitionController{
		ctx: ctx, dev: dev, events: events, stats: stats,
		tracer: otel.Tracer("github.com/FergusInLondon/logicctl"),
	}
}

// resumeAfter makes the next session id follow session, so ids stay unique
// across runs sharing one annotation store.
func (c *acquisitionController) resumeAfter(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session > c.nextID {
		c.nextID = session
	}
}

// configure validates and applies the capture parameters, returning the
// sample rate and buffer size actually in effect.
func (c *acquisitionController) configure(sampleRate float64, bufferSize uint64, mode captureMode, delay int) (float64, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return 0, 0, errAlreadyRunning
	}

	size, err := validateCapture(sampleRate, bufferSize, mode, delay)
	if err != nil {
		return 0, 0, err
	}

	if err := c.dev.SetBufferSizeLimits(1, mode.ceiling()); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errConfiguration, err)
	}

	actual, err := c.dev.SetSampleRate(sampleRate)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", errConfiguration, err)
	}

	c.settings = captureSettings{sampleRate: actual, bufferSize: size, mode: mode, delay: delay}
	slog.Info("capture configured",
		slog.Float64("sampleRate", actual),
		slog.Uint64("bufferSize", size),
		slog.String("mode", mode.String()),
		slog.Int("delay", delay))
	return actual, size, nil
}

// start launches a capture worker for a new session.
func (c *acquisitionController) start() (*captureSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil, errAlreadyRunning
	}
	st := c.settings
	if st.bufferSize == 0 {
		return nil, errNotConfigured
	}
	streaming := st.mode == modeStreaming

	if err := c.dev.Flush(); err != nil {
		slog.Error("could not flush device buffers", slog.String("stage", "capture"), slog.Any("error", err))
	}
	if err := c.dev.SetStreamingFlag(streaming); err != nil {
		slog.Error("could not set streaming flag", slog.String("stage", "capture"), slog.Any("error", err))
	}
	if !streaming {
		if err := c.dev.SetTriggerDelay(st.delay); err != nil {
			slog.Error("could not set trigger delay", slog.String("stage", "capture"), slog.Any("error", err))
		}
	}
	c.snapshot.save(c.dev)
	if streaming {
		if err := c.dev.SetKernelBufferDepth(streamKernelBuffers); err != nil {
			slog.Error("could not set kernel buffer depth", slog.String("stage", "capture"), slog.Any("error", err))
		}
	}

	c.nextID++
	s := &captureSession{
		id:         c.nextID,
		sampleRate: st.sampleRate,
		bufferSize: st.bufferSize,
		mode:       st.mode,
		delay:      st.delay,
		chunkSize:  st.bufferSize,
		started:    time.Now(),
	}
	if streaming {
		s.chunkSize = chunkSizeFor(st.bufferSize)
	}

	buf := newSampleBuffer(st.bufferSize, streaming)
	c.session, c.buffer = s, buf
	c.lastCaptured.Store(0)

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	c.running = true
	c.status = captureStatus{State: stateWaiting}
	if c.autoMode {
		c.armAutoLocked()
	}

	_, c.span = c.tracer.Start(ctx, "capture",
		trace.WithAttributes(
			attribute.Int64("session", int64(s.id)),
			attribute.String("mode", s.mode.String()),
			attribute.Float64("sampleRate", s.sampleRate),
			attribute.Int64("bufferSize", int64(s.bufferSize)),
			attribute.Int64("chunkSize", int64(s.chunkSize))))
	c.stats.recSession(s.mode)

	slog.Info("capture started",
		slog.Uint64("session", s.id),
		slog.String("mode", s.mode.String()),
		slog.Uint64("bufferSize", s.bufferSize),
		slog.Uint64("chunkSize", s.chunkSize))

	c.wg.Add(1)
	go c.capture(ctx, s, buf)
	return s, nil
}

// stop cancels and joins the running worker. Calling it with nothing
// running does nothing.
func (c *acquisitionController) stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.dev.CancelRead()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.finalizeLocked("stopped")
	}
}

// finish completes a session whose worker ended on its own.
func (c *acquisitionController) finish(session uint64) {
	c.mu.Lock()
	if !c.running || c.session.id != session {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running && c.session.id == session {
		c.finalizeLocked("completed")
	}
}

func (c *acquisitionController) finalizeLocked(reason string) {
	c.cancel()
	c.snapshot.restore(c.dev)
	c.timer.disarm()
	c.running = false
	c.status = captureStatus{State: stateStop}

	last := c.lastCaptured.Load()
	if c.span != nil {
		c.span.SetAttributes(attribute.Int64("lastCapturedSample", int64(last)))
		c.span.End()
		c.span = nil
	}
	slog.Info("capture "+reason,
		slog.Uint64("session", c.session.id),
		slog.Uint64("lastCapturedSample", last),
		slog.Duration("elapsed", time.Since(c.session.started)))
}

func (c *acquisitionController) capture(ctx context.Context, s *captureSession, buf *sampleBuffer) {
	defer c.wg.Done()
	defer c.events.push(captureEvent{kind: eventFinished, session: s.id})

	c.events.push(captureEvent{kind: eventStatus, session: s.id, state: stateWaiting})

	if s.mode == modeOneshot {
		c.captureOneshot(ctx, s, buf)
		return
	}
	c.captureStream(ctx, s, buf)
}

func (c *acquisitionController) captureOneshot(ctx context.Context, s *captureSession, buf *sampleBuffer) {
	if err := c.dev.ReadSamples(ctx, buf.window(0, s.bufferSize)); err != nil {
		c.readFailed(s, err)
		return
	}
	c.events.push(captureEvent{kind: eventStatus, session: s.id, state: stateTriggered})
	c.emit(s, buf, 0, s.bufferSize)
}

func (c *acquisitionController) captureStream(ctx context.Context, s *captureSession, buf *sampleBuffer) {
	var (
		absIndex uint64
		failures int
	)

	for absIndex < s.bufferSize {
		size := min(s.chunkSize, s.bufferSize-absIndex)

		if err := c.dev.ReadSamples(ctx, buf.window(absIndex, absIndex+size)); err != nil {
			c.readFailed(s, err)
			if ctx.Err() != nil || errors.Is(err, errReadCanceled) {
				return
			}
			if failures++; failures >= maxReadFailures {
				slog.Error("abandoning capture after repeated read failures",
					slog.String("stage", "capture"),
					slog.Uint64("session", s.id),
					slog.Uint64("offset", absIndex))
				return
			}
			continue
		}
		failures = 0

		c.events.push(captureEvent{kind: eventStatus, session: s.id, state: stateTriggered})
		if ctx.Err() != nil {
			return
		}

		c.emit(s, buf, absIndex, absIndex+size)
		absIndex += size
	}
}

func (c *acquisitionController) emit(s *captureSession, buf *sampleBuffer, from, to uint64) {
	buf.publish(to)
	c.lastCaptured.Store(to)
	c.stats.recChunk(to - from)
	c.events.push(captureEvent{kind: eventRange, session: s.id, from: from, to: to})
}

func (c *acquisitionController) readFailed(s *captureSession, err error) {
	if errors.Is(err, errReadCanceled) {
		slog.Debug("read cancelled", slog.String("stage", "capture"), slog.Uint64("session", s.id))
		return
	}
	c.stats.recReadFailure()
	c.recordSpanError(err)
	slog.Error("sample read failed",
		slog.String("stage", "capture"),
		slog.Uint64("session", s.id),
		slog.Any("error", err))
}

func (c *acquisitionController) armAutoLocked() {
	s := c.session
	timeout := autoTriggerTimeout(s.sampleRate, s.bufferSize, s.mode)
	id := s.id
	c.timer.arm(timeout, func() {
		c.events.push(captureEvent{kind: eventAutoTrigger, session: id})
	})
	slog.Debug("auto trigger armed", slog.Uint64("session", id), slog.Duration("timeout", timeout))
}

// setAutoTrigger toggles auto mode, arming the watchdog immediately when a
// capture is running.
func (c *acquisitionController) setAutoTrigger(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoMode = enabled
	switch {
	case enabled && c.running:
		c.armAutoLocked()
	case !enabled:
		c.timer.disarm()
	}
}

// onAutoTrigger handles watchdog expiry: the trigger conditions are forced
// off so the capture free-runs. The capture itself continues.
func (c *acquisitionController) onAutoTrigger(session uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.session.id != session {
		return
	}
	c.snapshot.save(c.dev)
	c.stats.recAutoTrigger()
	slog.Warn("capture stalled, trigger conditions forced off",
		slog.String("stage", "capture"),
		slog.Uint64("session", session))
}

func (c *acquisitionController) applyStatus(session uint64, state triggerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running && c.session.id == session {
		c.status.State = state
	}
}

func (c *acquisitionController) currentStatus() captureStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return captureStatus{State: c.status.State, Auto: c.timer.armed()}
}

func (c *acquisitionController) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// currentSession returns the running or most recent session, nil before
// the first start.
func (c *acquisitionController) currentSession() *captureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *acquisitionController) lastCapturedSample() uint64 {
	return c.lastCaptured.Load()
}

func (c *acquisitionController) currentSettings() captureSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// bufferState describes the current session's buffer, nil before the first
// session.
func (c *acquisitionController) bufferState() *bufferState {
	c.mu.Lock()
	buf := c.buffer
	c.mu.Unlock()
	if buf == nil {
		return nil
	}
	st := buf.state()
	return &st
}

// samples reads [from, to) of the given session's buffer.
func (c *acquisitionController) samples(session, from, to uint64) ([]uint16, error) {
	c.mu.Lock()
	if c.session == nil || c.session.id != session {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: session %d is not current", errRangeUnavailable, session)
	}
	buf := c.buffer
	c.mu.Unlock()
	return buf.read(from, to)
}

// setTriggerCondition updates a channel condition. While a snapshot is held
// the saved entry is replaced instead, so it takes effect on restore.
func (c *acquisitionController) setTriggerCondition(ch int, cond triggerCondition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch < 0 || ch >= c.dev.Channels() {
		return fmt.Errorf("%w: channel %d", errConfiguration, ch)
	}
	if c.snapshot.override(ch, cond) {
		return nil
	}
	return c.dev.SetTriggerCondition(ch, cond)
}

func (c *acquisitionController) setExternalTriggerCondition(cond triggerCondition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot.override(c.dev.Channels(), cond) {
		return nil
	}
	return c.dev.SetExternalTriggerCondition(cond)
}

func (c *acquisitionController) triggerConditions() ([]triggerCondition, triggerCondition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot.active() {
		saved := c.snapshot.saved
		out := make([]triggerCondition, len(saved)-1)
		copy(out, saved)
		return out, saved[len(saved)-1]
	}

	out := make([]triggerCondition, c.dev.Channels())
	for ch := range out {
		out[ch], _ = c.dev.TriggerCondition(ch)
	}
	ext, _ := c.dev.ExternalTriggerCondition()
	return out, ext
}

func (c *acquisitionController) recordSpanError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.span != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
}
