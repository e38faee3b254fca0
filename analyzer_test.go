package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simIdleLead shifts the sim waveform so a capture opens in the idle gap
// and the first frame starts at sample 320.
const simIdleLead = 1440

func idleFirstWaveform(i uint64) uint16 { return simWaveform(i + simIdleLead) }

type analyzerFixture struct {
	an    *logicAnalyzer
	feed  *recordingFeed
	store *annotationStore
	stats *statsInternal
	dev   digitalDevice
}

func newAnalyzerFixture(t *testing.T, dev digitalDevice) *analyzerFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	q := newEventQueue()
	stats := newStatsInternal()
	store, err := openAnnotationStore("", 0)
	require.NoError(t, err)

	ctrl := newAcquisitionController(ctx, dev, q, stats)
	an := newLogicAnalyzer(ctrl, q, builtinCatalog(), store, stats)
	feed := &recordingFeed{}
	an.setFeed(feed)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, an.run(ctx))
	}()
	t.Cleanup(func() {
		an.stop()
		cancel()
		<-done
		assert.NoError(t, store.Close())
	})
	return &analyzerFixture{an: an, feed: feed, store: store, stats: stats, dev: dev}
}

func newSimFixture(t *testing.T) *analyzerFixture {
	return newAnalyzerFixture(t, newSimDevice(simChannels, simPattern(idleFirstWaveform)))
}

// capture runs one session to completion.
func (f *analyzerFixture) capture(t *testing.T, rate float64, size uint64, mode captureMode) *captureSession {
	t.Helper()
	_, _, err := f.an.configure(rate, size, mode, 0)
	require.NoError(t, err)
	s, err := f.an.start()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.feed.stopped(s.id) }, 5*time.Second, time.Millisecond)
	return s
}

func consoleStack() stackSpec {
	return stackSpec{name: "console", stages: []stageSpec{
		{id: "uart", options: map[string]string{"rx": "0", "baud": "62500"}},
		{id: "text", options: map[string]string{}},
	}}
}

func texts(anns []Annotation) []string {
	out := make([]string, len(anns))
	for i, a := range anns {
		out[i] = a.Text
	}
	return out
}

func TestLogicAnalyzer_OneshotDecodesText(t *testing.T) {
	f := newSimFixture(t)
	h, err := f.an.addStack(consoleStack())
	require.NoError(t, err)

	s := f.capture(t, 1e6, 4000, modeOneshot)

	anns, err := f.an.annotations(h, 0, annotationsAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"logicctl", "logicctl"}, texts(anns))
	assert.Equal(t, "text", anns[0].Decoder)
	assert.Equal(t, uint64(320), anns[0].StartSample)
	assert.InDelta(t, 320e-6, anns[0].Start, 1e-12)

	assert.Equal(t, []string{"Waiting", "Triggered", "Stop"}, f.feed.states())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.stats.Annotations.WithLabelValues("text")))

	stored, err := f.an.storedAnnotations(s.id, h, 0, annotationsAll)
	require.NoError(t, err)
	assert.Equal(t, texts(anns), texts(stored))

	partial, err := f.an.annotations(h, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, partial, 1)
}

func TestLogicAnalyzer_StreamingDecodesAcrossChunks(t *testing.T) {
	f := newSimFixture(t)
	h, err := f.an.addStack(consoleStack())
	require.NoError(t, err)

	s := f.capture(t, 1e6, 40_000, modeStreaming)
	assert.Equal(t, uint64(2500), s.chunkSize)

	anns, err := f.an.annotations(h, 0, annotationsAll)
	require.NoError(t, err)
	require.Len(t, anns, 22)
	for _, a := range anns {
		assert.Equal(t, "logicctl", a.Text)
	}
	// Streaming time is centred on the buffer.
	assert.InDelta(t, (320.0-20_000)/1e6, anns[0].Start, 1e-12)

	var ranges int
	for _, m := range f.feed.messages() {
		if m.Type == "range" {
			ranges++
		}
	}
	assert.Equal(t, 16, ranges)
}

func TestLogicAnalyzer_CurveAddedLateCatchesUp(t *testing.T) {
	f := newSimFixture(t)
	f.capture(t, 1e6, 4000, modeOneshot)

	h, err := f.an.addDecoderCurve("uart", "", map[string]string{"baud": "62500"})
	require.NoError(t, err)
	anns, err := f.an.annotations(h, 0, annotationsAll)
	require.NoError(t, err)
	require.Len(t, anns, 19)
	assert.Equal(t, "0x6C 'l'", anns[0].Text)

	require.NoError(t, f.an.stackDecoder(h, "text", nil))
	anns, err = f.an.annotations(h, 0, annotationsAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"logicctl", "logicctl"}, texts(anns))

	require.NoError(t, f.an.unstackDecoder(h))
	anns, err = f.an.annotations(h, 0, annotationsAll)
	require.NoError(t, err)
	assert.Len(t, anns, 19)

	assert.ErrorIs(t, f.an.unstackDecoder(h), errStackBottom)
}

func TestLogicAnalyzer_AddCurveFailuresCreateNothing(t *testing.T) {
	f := newSimFixture(t)

	_, err := f.an.addDecoderCurve("i2c", "", nil)
	assert.ErrorIs(t, err, errUnknownDecoder)
	_, err = f.an.addDecoderCurve("text", "", nil)
	assert.ErrorIs(t, err, errIncompatibleKind)
	_, err = f.an.addDecoderCurve("uart", "", map[string]string{"baud": "fast"})
	assert.ErrorIs(t, err, errInvalidOption)
	_, err = f.an.addStack(stackSpec{stages: []stageSpec{{id: "uart"}, {id: "spi"}}})
	assert.ErrorIs(t, err, errIncompatibleKind)
	_, err = f.an.addStack(stackSpec{})
	assert.ErrorIs(t, err, errEmptyStack)
	_, err = f.an.addDataCurve(16, "")
	assert.ErrorIs(t, err, errConfiguration)

	assert.Empty(t, f.an.listCurves())
}

func TestLogicAnalyzer_RemoveCurveReleasesGroup(t *testing.T) {
	f := newSimFixture(t)
	a, err := f.an.addDataCurve(0, "")
	require.NoError(t, err)
	b, err := f.an.addDataCurve(1, "")
	require.NoError(t, err)

	id, err := f.an.createGroup([]uuid.UUID{a, b})
	require.NoError(t, err)

	require.NoError(t, f.an.removeCurve(a))
	groups := f.an.listGroups()
	require.Len(t, groups, 1)
	assert.Equal(t, id, groups[0].ID)
	assert.Equal(t, []uuid.UUID{b}, groups[0].Members)

	require.NoError(t, f.an.removeCurve(b))
	assert.Empty(t, f.an.listGroups())
	assert.Empty(t, f.an.listCurves())

	assert.ErrorIs(t, f.an.removeCurve(a), errUnknownCurve)
	_, err = f.an.createGroup([]uuid.UUID{a, b})
	assert.ErrorIs(t, err, errUnknownCurve)
}

func TestLogicAnalyzer_UngroupAndMove(t *testing.T) {
	f := newSimFixture(t)
	var hs []uuid.UUID
	for ch := 0; ch < 3; ch++ {
		h, err := f.an.addDataCurve(ch, "")
		require.NoError(t, err)
		hs = append(hs, h)
	}
	id, err := f.an.createGroup(hs)
	require.NoError(t, err)
	require.NoError(t, f.an.moveInGroup(id, 2, 0))
	assert.Equal(t, []uuid.UUID{hs[2], hs[0], hs[1]}, f.an.listGroups()[0].Members)

	deleted, err := f.an.ungroupCurve(hs[0])
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Len(t, f.an.listCurves(), 3, "ungrouping keeps the curve")

	_, err = f.an.ungroupCurve(uuid.New())
	assert.ErrorIs(t, err, errUnknownCurve)
}

func TestLogicAnalyzer_ListCurvesLayout(t *testing.T) {
	f := newSimFixture(t)
	d0, err := f.an.addDataCurve(0, "")
	require.NoError(t, err)
	_, err = f.an.addDataCurve(1, "clock")
	require.NoError(t, err)
	dec, err := f.an.addStack(consoleStack())
	require.NoError(t, err)

	_, err = f.an.createGroup([]uuid.UUID{d0, dec})
	require.NoError(t, err)
	require.NoError(t, f.an.setCurveDisplay(dec, "", 30))

	views := f.an.listCurves()
	require.Len(t, views, 3)
	assert.Equal(t, "DIO0", views[0].Name)
	require.NotNil(t, views[0].Channel)
	assert.Equal(t, 0, *views[0].Channel)
	assert.Equal(t, "clock", views[1].Name)
	assert.Equal(t, "console", views[2].Name)
	assert.Equal(t, []string{"uart", "text"}, views[2].Decoders)

	assert.Equal(t, plotTopOffset, views[0].Offset)
	assert.Equal(t, views[0].Offset, views[2].Offset)
	assert.Equal(t, plotTopOffset+30+plotSpacing, views[1].Offset)
	require.NotNil(t, views[0].Group)
	assert.Nil(t, views[1].Group)

	assert.ErrorIs(t, f.an.setCurveDisplay(uuid.New(), "x", 0), errUnknownCurve)
}

func TestLogicAnalyzer_DecoderOptions(t *testing.T) {
	f := newSimFixture(t)
	h, err := f.an.addStack(consoleStack())
	require.NoError(t, err)
	d, err := f.an.addDataCurve(0, "")
	require.NoError(t, err)

	opts, err := f.an.decoderOptions(h, 0)
	require.NoError(t, err)
	assert.Equal(t, 62500, opts["baud"])

	require.NoError(t, f.an.setDecoderOption(h, 1, "maxLine", 80.0))
	opts, err = f.an.decoderOptions(h, 1)
	require.NoError(t, err)
	assert.Equal(t, 80, opts["maxLine"])

	assert.ErrorIs(t, f.an.setDecoderOption(h, 2, "maxLine", 1), errInvalidOption)
	_, err = f.an.decoderOptions(h, -1)
	assert.ErrorIs(t, err, errInvalidOption)
	assert.ErrorIs(t, f.an.setDecoderOption(d, 0, "baud", 1), errIncompatibleKind)
	_, err = f.an.compatibleDecoders(d)
	assert.ErrorIs(t, err, errIncompatibleKind)

	next, err := f.an.compatibleDecoders(h)
	require.NoError(t, err)
	assert.Empty(t, next, "nothing consumes text")
}

func TestLogicAnalyzer_DisabledCurveSkipsRangesUntilReenabled(t *testing.T) {
	f := newSimFixture(t)
	h, err := f.an.addStack(consoleStack())
	require.NoError(t, err)
	require.NoError(t, f.an.setCurveEnabled(h, false))

	f.capture(t, 1e6, 4000, modeOneshot)
	anns, err := f.an.annotations(h, 0, annotationsAll)
	require.NoError(t, err)
	assert.Empty(t, anns)

	require.NoError(t, f.an.setCurveEnabled(h, true))
	anns, err = f.an.annotations(h, 0, annotationsAll)
	require.NoError(t, err)
	assert.Len(t, anns, 2)
}

func TestLogicAnalyzer_ChannelLevels(t *testing.T) {
	f := newSimFixture(t)
	h, err := f.an.addDataCurve(1, "")
	require.NoError(t, err)
	dec, err := f.an.addStack(consoleStack())
	require.NoError(t, err)

	f.capture(t, 1e6, 4000, modeOneshot)

	levels, err := f.an.channelLevels(h, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true, true}, levels)

	_, err = f.an.channelLevels(h, 3990, 4010)
	assert.ErrorIs(t, err, errRangeUnavailable)
	_, err = f.an.channelLevels(dec, 0, 4)
	assert.ErrorIs(t, err, errIncompatibleKind)
	_, err = f.an.annotations(h, 0, 4)
	assert.ErrorIs(t, err, errIncompatibleKind)
}

func TestLogicAnalyzer_RestartResetsCurves(t *testing.T) {
	f := newAnalyzerFixture(t, newFakeDevice(16))
	h, err := f.an.addDataCurve(0, "")
	require.NoError(t, err)

	first := f.capture(t, 1e6, 1000, modeOneshot)
	second := f.capture(t, 1e6, 500, modeOneshot)
	assert.Equal(t, first.id+1, second.id)

	for _, v := range f.an.listCurves() {
		if v.Handle == h {
			assert.Equal(t, uint64(500), v.Processed)
		}
	}
	st, s, last := f.an.status()
	assert.Equal(t, stateStop, st.State)
	assert.Equal(t, second.id, s.id)
	assert.Equal(t, uint64(500), last)
}

func TestLogicAnalyzer_DropsStaleEvents(t *testing.T) {
	f := newAnalyzerFixture(t, newFakeDevice(16))
	f.an.handle(context.Background(), captureEvent{kind: eventStatus, session: 42, state: stateTriggered})
	assert.Empty(t, f.feed.messages())
}

func TestLogicAnalyzer_AutoTriggerOnStalledCapture(t *testing.T) {
	dev := newSimDevice(4)
	f := newAnalyzerFixture(t, dev)
	require.NoError(t, f.an.ctrl.setExternalTriggerCondition(triggerRising))
	f.an.setAutoTrigger(true)

	_, _, err := f.an.configure(1e6, 1000, modeOneshot, 0)
	require.NoError(t, err)
	s, err := f.an.start()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.stats.AutoTriggers) == 1
	}, 5*time.Second, time.Millisecond)
	assert.Contains(t, f.feed.states(), "Auto")

	f.an.stop()
	assert.True(t, f.feed.stopped(s.id))
	assert.Zero(t, f.an.ctrl.lastCapturedSample(), "the external trigger never fired")

	ext, err := dev.ExternalTriggerCondition()
	require.NoError(t, err)
	assert.Equal(t, triggerRising, ext, "restored after the session")
}
