package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// feedMessage is what renderers receive, in emission order.
type feedMessage struct {
	Type        string `json:"type"`
	Session     uint64 `json:"session"`
	State       string `json:"state,omitempty"`
	Auto        bool   `json:"auto,omitempty"`
	Curve       string `json:"curve,omitempty"`
	From        uint64 `json:"from,omitempty"`
	To          uint64 `json:"to,omitempty"`
	Annotations int    `json:"annotations,omitempty"`
}

type feedPublisher interface {
	publish(msg feedMessage)
}

// curveView is a curve as listed to clients.
type curveView struct {
	Handle      uuid.UUID  `json:"handle"`
	Kind        curveKind  `json:"kind"`
	Name        string     `json:"name"`
	Channel     *int       `json:"channel,omitempty"`
	Decoders    []string   `json:"decoders,omitempty"`
	TraceHeight int        `json:"traceHeight"`
	Enabled     bool       `json:"enabled"`
	Processed   uint64     `json:"processed"`
	Group       *uuid.UUID `json:"group,omitempty"`
	Offset      int        `json:"offset"`
}

// logicAnalyzer ties the acquisition controller to the curves. Its dispatch
// loop is the only consumer of capture events; API methods and the loop
// serialise on mu.
type logicAnalyzer struct {
	mu      sync.Mutex
	ctrl    *acquisitionController
	catalog *decoderCatalog
	events  *eventQueue
	store   *annotationStore
	stats   *statsInternal
	feed    feedPublisher

	curves     []logicCurve
	groups     curveGroups
	session    uint64
	lastStatus feedMessage
}

func newLogicAnalyzer(ctrl *acquisitionController, events *eventQueue, catalog *decoderCatalog, store *annotationStore, stats *statsInternal) *logicAnalyzer {
	return &logicAnalyzer{
		ctrl: ctrl, events: events, catalog: catalog,
		store: store, stats: stats,
	}
}

// setFeed attaches the renderer feed. Call before run.
func (a *logicAnalyzer) setFeed(f feedPublisher) {
	a.mu.Lock()
	a.feed = f
	a.mu.Unlock()
}

func (a *logicAnalyzer) configure(sampleRate float64, bufferSize uint64, mode captureMode, delay int) (float64, uint64, error) {
	return a.ctrl.configure(sampleRate, bufferSize, mode, delay)
}

// start begins a session. Curves get the session's time basis and are
// reset before any of its ranges can be dispatched.
func (a *logicAnalyzer) start() (*captureSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.ctrl.start()
	if err != nil {
		return nil, err
	}
	a.session = s.id
	for _, c := range a.curves {
		a.mirrorLocked(c, s)
		c.reset()
	}
	return s, nil
}

func (a *logicAnalyzer) mirrorLocked(c logicCurve, s *captureSession) {
	b := c.common()
	b.setSampleRate(s.sampleRate)
	b.setBufferSize(s.bufferSize)
	b.setTimeTriggerOffset(s.timeOffset())
}

func (a *logicAnalyzer) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctrl.stop()
	if err := a.flushStore(); err != nil {
		slog.Error("could not flush annotations", slog.Any("error", err))
	}
	a.publishStatusLocked()
}

func (a *logicAnalyzer) setAutoTrigger(enabled bool) {
	a.ctrl.setAutoTrigger(enabled)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publishStatusLocked()
}

// run dispatches capture events until ctx is done.
func (a *logicAnalyzer) run(ctx context.Context) error {
	for {
		batch, err := a.events.next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		for _, ev := range batch {
			a.handle(ctx, ev)
		}
	}
}

func (a *logicAnalyzer) handle(ctx context.Context, ev captureEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.session != a.session {
		slog.Debug("dropping event of stale session",
			slog.Uint64("session", ev.session),
			slog.Uint64("current", a.session))
		return
	}

	switch ev.kind {
	case eventStatus:
		a.ctrl.applyStatus(ev.session, ev.state)
		a.publishStatusLocked()
	case eventRange:
		a.dispatchRange(ctx, ev.session, ev.from, ev.to)
	case eventAutoTrigger:
		a.ctrl.onAutoTrigger(ev.session)
		a.publishStatusLocked()
	case eventFinished:
		a.ctrl.finish(ev.session)
		if err := a.flushStore(); err != nil {
			slog.Error("could not flush annotations", slog.Any("error", err))
		}
		a.publishStatusLocked()
	}
}

type curveResult struct {
	annotations []Annotation
	err         error
}

// dispatchRange feeds [from, to) to every enabled curve, one goroutine per
// curve, and waits for all of them before returning.
func (a *logicAnalyzer) dispatchRange(ctx context.Context, session, from, to uint64) {
	began := time.Now()
	words, err := a.ctrl.samples(session, from, to)
	if err != nil {
		slog.Error("range no longer readable", slog.Any("error", err))
		return
	}

	results := make([]curveResult, len(a.curves))
	g, _ := errgroup.WithContext(ctx)
	for i, c := range a.curves {
		if !c.common().isEnabled() {
			continue
		}
		g.Go(func() error {
			anns, err := c.onRangeAvailable(from, to, words)
			results[i] = curveResult{annotations: anns, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range a.curves {
		r := results[i]
		if r.err != nil {
			slog.Error("curve could not consume range",
				slog.String("curve", c.Handle().String()),
				slog.Any("error", r.err))
			continue
		}
		if !c.common().isEnabled() {
			continue
		}
		a.recordLocked(session, c, r.annotations)
		a.publishLocked(feedMessage{
			Type: "range", Session: session, Curve: c.Handle().String(),
			From: from, To: to, Annotations: len(r.annotations),
		})
	}
	a.stats.recDispatch(time.Since(began))
}

func (a *logicAnalyzer) recordLocked(session uint64, c logicCurve, anns []Annotation) {
	if len(anns) == 0 {
		return
	}
	a.stats.recAnnotations(anns[0].Decoder, len(anns))
	if a.store == nil {
		return
	}
	if err := a.store.write(session, c.Handle(), anns); err != nil {
		slog.Error("could not store annotations", slog.String("curve", c.Handle().String()), slog.Any("error", err))
	}
}

func (a *logicAnalyzer) flushStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.flush()
}

func (a *logicAnalyzer) publishLocked(msg feedMessage) {
	if a.feed != nil {
		a.feed.publish(msg)
	}
}

// publishStatusLocked sends the status when it differs from the last one
// sent.
func (a *logicAnalyzer) publishStatusLocked() {
	st := a.ctrl.currentStatus()
	msg := feedMessage{
		Type: "status", Session: a.session,
		State: st.display().String(), Auto: st.Auto,
	}
	if msg == a.lastStatus {
		return
	}
	a.lastStatus = msg
	a.publishLocked(msg)
}

// catchUpLocked brings a curve up to what the current session has
// captured so far.
func (a *logicAnalyzer) catchUpLocked(c logicCurve) {
	s := a.ctrl.currentSession()
	if s == nil {
		return
	}
	a.mirrorLocked(c, s)
	c.reset()

	last := a.ctrl.lastCapturedSample()
	if last == 0 {
		return
	}
	words, err := a.ctrl.samples(s.id, 0, last)
	if err != nil {
		slog.Error("could not read captured samples for catch-up", slog.Any("error", err))
		return
	}
	anns, err := c.onRangeAvailable(0, last, words)
	if err != nil {
		slog.Error("catch-up decode failed", slog.String("curve", c.Handle().String()), slog.Any("error", err))
		return
	}
	a.recordLocked(s.id, c, anns)
	a.publishLocked(feedMessage{
		Type: "range", Session: s.id, Curve: c.Handle().String(),
		To: last, Annotations: len(anns),
	})
}

func (a *logicAnalyzer) addDataCurve(channel int, name string) (uuid.UUID, error) {
	if channel < 0 || channel >= a.ctrl.dev.Channels() {
		return uuid.Nil, fmt.Errorf("%w: channel %d", errConfiguration, channel)
	}
	c := newDataCurve(channel, name)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.curves = append(a.curves, c)
	a.catchUpLocked(c)
	slog.Info("data curve added", slog.String("curve", c.Handle().String()), slog.Int("channel", channel))
	return c.Handle(), nil
}

// addDecoderCurve creates an annotation curve whose stack starts with the
// decoder id. Nothing is created when the id is unknown, the decoder does
// not consume logic samples or an option is rejected.
func (a *logicAnalyzer) addDecoderCurve(id, name string, opts map[string]string) (uuid.UUID, error) {
	d, err := a.catalog.lookup(id)
	if err != nil {
		return uuid.Nil, err
	}
	if err := applyOptions(d, opts); err != nil {
		return uuid.Nil, err
	}
	c, err := newAnnotationCurve(d, name)
	if err != nil {
		return uuid.Nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.curves = append(a.curves, c)
	a.catchUpLocked(c)
	slog.Info("decoder curve added", slog.String("curve", c.Handle().String()), slog.String("decoder", id))
	return c.Handle(), nil
}

// addStack builds a decoder curve from a full stack description.
func (a *logicAnalyzer) addStack(spec stackSpec) (uuid.UUID, error) {
	if len(spec.stages) == 0 {
		return uuid.Nil, errEmptyStack
	}
	h, err := a.addDecoderCurve(spec.stages[0].id, spec.name, spec.stages[0].options)
	if err != nil {
		return uuid.Nil, err
	}
	for _, st := range spec.stages[1:] {
		if err := a.stackDecoder(h, st.id, st.options); err != nil {
			_ = a.removeCurve(h)
			return uuid.Nil, err
		}
	}
	return h, nil
}

func applyOptions(d Decoder, opts map[string]string) error {
	for k, v := range opts {
		if err := d.Options().Set(k, v); err != nil {
			return fmt.Errorf("%s: %w", d.Descriptor().ID, err)
		}
	}
	return nil
}

func (a *logicAnalyzer) findLocked(h uuid.UUID) (int, logicCurve, error) {
	for i, c := range a.curves {
		if c.Handle() == h {
			return i, c, nil
		}
	}
	return -1, nil, fmt.Errorf("%w: %s", errUnknownCurve, h)
}

func (a *logicAnalyzer) decoderCurveLocked(h uuid.UUID) (*annotationCurve, error) {
	_, c, err := a.findLocked(h)
	if err != nil {
		return nil, err
	}
	ac, ok := c.(*annotationCurve)
	if !ok {
		return nil, fmt.Errorf("%w: curve %s carries raw channel data", errIncompatibleKind, h)
	}
	return ac, nil
}

// removeCurve drops the curve and takes it out of its group, releasing the
// group when it becomes empty.
func (a *logicAnalyzer) removeCurve(h uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, _, err := a.findLocked(h)
	if err != nil {
		return err
	}
	a.curves = slices.Delete(a.curves, i, i+1)
	if a.groups.remove(h) {
		slog.Debug("group released", slog.String("curve", h.String()))
	}
	slog.Info("curve removed", slog.String("curve", h.String()))
	return nil
}

// stackDecoder pushes id onto the curve's stack and redecodes what the
// session has captured so far.
func (a *logicAnalyzer) stackDecoder(h uuid.UUID, id string, opts map[string]string) error {
	d, err := a.catalog.lookup(id)
	if err != nil {
		return err
	}
	if err := applyOptions(d, opts); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ac, err := a.decoderCurveLocked(h)
	if err != nil {
		return err
	}
	if err := ac.push(d); err != nil {
		return err
	}
	a.catchUpLocked(ac)
	return nil
}

func (a *logicAnalyzer) unstackDecoder(h uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac, err := a.decoderCurveLocked(h)
	if err != nil {
		return err
	}
	if _, err := ac.pop(); err != nil {
		return err
	}
	a.catchUpLocked(ac)
	return nil
}

func (a *logicAnalyzer) compatibleDecoders(h uuid.UUID) ([]decoderDescriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac, err := a.decoderCurveLocked(h)
	if err != nil {
		return nil, err
	}
	return ac.compatibleNext(a.catalog)
}

// setDecoderOption changes one option of stack stage i. Redecoding is left
// to the next session.
func (a *logicAnalyzer) setDecoderOption(h uuid.UUID, stage int, key string, value any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac, err := a.decoderCurveLocked(h)
	if err != nil {
		return err
	}
	opts, ok := ac.stageOptions(stage)
	if !ok {
		return fmt.Errorf("%w: stage %d", errInvalidOption, stage)
	}
	return opts.Set(key, value)
}

func (a *logicAnalyzer) decoderOptions(h uuid.UUID, stage int) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac, err := a.decoderCurveLocked(h)
	if err != nil {
		return nil, err
	}
	opts, ok := ac.stageOptions(stage)
	if !ok {
		return nil, fmt.Errorf("%w: stage %d", errInvalidOption, stage)
	}
	return opts.snapshot(), nil
}

// setCurveEnabled switches decoding of a curve on or off. Re-enabling
// catches it up with the current session.
func (a *logicAnalyzer) setCurveEnabled(h uuid.UUID, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, c, err := a.findLocked(h)
	if err != nil {
		return err
	}
	was := c.common().isEnabled()
	c.common().setEnabled(enabled)
	if enabled && !was {
		a.catchUpLocked(c)
	}
	return nil
}

func (a *logicAnalyzer) annotations(h uuid.UUID, from, to uint64) ([]Annotation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac, err := a.decoderCurveLocked(h)
	if err != nil {
		return nil, err
	}
	return ac.between(from, to), nil
}

// storedAnnotations reads a curve's annotations of any past session back
// from the store.
func (a *logicAnalyzer) storedAnnotations(session uint64, h uuid.UUID, from, to uint64) ([]Annotation, error) {
	if a.store == nil {
		return nil, fmt.Errorf("%w: no annotation store", errRangeUnavailable)
	}
	return a.store.query(session, h, from, to)
}

// channelLevels returns one channel's levels over [from, to) of the current
// session.
func (a *logicAnalyzer) channelLevels(h uuid.UUID, from, to uint64) ([]bool, error) {
	a.mu.Lock()
	_, c, err := a.findLocked(h)
	session := a.session
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	dc, ok := c.(*dataCurve)
	if !ok {
		return nil, fmt.Errorf("%w: curve %s is not a channel", errIncompatibleKind, h)
	}
	words, err := a.ctrl.samples(session, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(words))
	for i, w := range words {
		out[i] = channelBit(w, dc.channel)
	}
	return out, nil
}

func (a *logicAnalyzer) createGroup(members []uuid.UUID) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range members {
		if _, _, err := a.findLocked(h); err != nil {
			return uuid.Nil, err
		}
	}
	return a.groups.create(members)
}

func (a *logicAnalyzer) ungroupCurve(h uuid.UUID) (deleted bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, _, err := a.findLocked(h); err != nil {
		return false, err
	}
	return a.groups.remove(h), nil
}

func (a *logicAnalyzer) moveInGroup(id uuid.UUID, from, to int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.groups.move(id, from, to)
}

func (a *logicAnalyzer) listGroups() []curveGroup {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.groups.list()
}

// listCurves returns curves in display order with their resolved offsets.
func (a *logicAnalyzer) listCurves() []curveView {
	a.mu.Lock()
	defer a.mu.Unlock()

	order := make([]uuid.UUID, len(a.curves))
	heights := make(map[uuid.UUID]int, len(a.curves))
	for i, c := range a.curves {
		order[i] = c.Handle()
		heights[c.Handle()] = c.common().height()
	}
	offsets := a.groups.offsets(order, func(h uuid.UUID) int { return heights[h] })

	out := make([]curveView, 0, len(a.curves))
	for _, c := range a.curves {
		b := c.common()
		b.mu.Lock()
		v := curveView{
			Handle: b.handle, Kind: c.kind(), Name: b.name,
			TraceHeight: b.traceHeight, Enabled: b.enabled, Processed: b.processed,
			Offset: offsets[b.handle],
		}
		b.mu.Unlock()

		switch cc := c.(type) {
		case *dataCurve:
			ch := cc.channel
			v.Channel = &ch
		case *annotationCurve:
			v.Decoders = cc.decoderIDs()
		}
		if grp, ok := a.groups.groupOf(v.Handle); ok {
			id := grp.ID
			v.Group = &id
		}
		out = append(out, v)
	}
	return out
}

func (a *logicAnalyzer) setCurveDisplay(h uuid.UUID, name string, traceHeight int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, c, err := a.findLocked(h)
	if err != nil {
		return err
	}
	if name != "" {
		c.common().setName(name)
	}
	if traceHeight > 0 {
		c.common().setTraceHeight(traceHeight)
	}
	return nil
}

func (a *logicAnalyzer) status() (captureStatus, *captureSession, uint64) {
	return a.ctrl.currentStatus(), a.ctrl.currentSession(), a.ctrl.lastCapturedSample()
}
