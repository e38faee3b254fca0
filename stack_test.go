package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDecoder reports each range it sees (entry stage) or wraps each input
// annotation's text (later stages).
type stubDecoder struct {
	id      string
	in, out dataKind
	opts    *decoderOptions
	resets  int
}

func newStub(id string, in, out dataKind) *stubDecoder {
	return &stubDecoder{id: id, in: in, out: out, opts: newDecoderOptions(map[string]any{"n": 1})}
}

func (s *stubDecoder) Descriptor() decoderDescriptor {
	return decoderDescriptor{ID: s.id, Input: s.in, Output: s.out}
}

func (s *stubDecoder) Options() *decoderOptions { return s.opts }
func (s *stubDecoder) Reset()                   { s.resets++ }

func (s *stubDecoder) Decode(in stageInput) []Annotation {
	if s.in == kindLogic {
		return []Annotation{{
			StartSample: in.from,
			EndSample:   in.to,
			Text:        fmt.Sprintf("%d-%d/%d", in.from, in.to, len(in.words)),
		}}
	}
	var out []Annotation
	for _, a := range in.annotations {
		out = append(out, Annotation{StartSample: a.StartSample, EndSample: a.EndSample, Text: s.id + "(" + a.Text + ")"})
	}
	return out
}

func TestDecoderStack_PushChecksKinds(t *testing.T) {
	_, err := newDecoderStack(newStub("b", "bytes", "text"))
	assert.ErrorIs(t, err, errIncompatibleKind, "entry decoder must consume logic")

	st, err := newDecoderStack(newStub("a", kindLogic, "bytes"))
	require.NoError(t, err)

	err = st.push(newStub("x", "frames", "text"))
	assert.ErrorIs(t, err, errIncompatibleKind)
	assert.Equal(t, []string{"a"}, st.ids(), "unchanged after a rejected push")

	require.NoError(t, st.push(newStub("b", "bytes", "text")))
	assert.Equal(t, []string{"a", "b"}, st.ids())

	top, err := st.top()
	require.NoError(t, err)
	assert.Equal(t, "b", top.Descriptor().ID)
}

func TestDecoderStack_Pop(t *testing.T) {
	st, err := newDecoderStack(newStub("a", kindLogic, "bytes"))
	require.NoError(t, err)
	require.NoError(t, st.push(newStub("b", "bytes", "text")))

	d, err := st.pop()
	require.NoError(t, err)
	assert.Equal(t, "b", d.Descriptor().ID)

	_, err = st.pop()
	assert.ErrorIs(t, err, errStackBottom)
	assert.Equal(t, []string{"a"}, st.ids())

	var empty decoderStack
	_, err = empty.pop()
	assert.ErrorIs(t, err, errEmptyStack)
	_, err = empty.top()
	assert.ErrorIs(t, err, errEmptyStack)
	_, err = empty.compatibleNextDecoders(builtinCatalog())
	assert.ErrorIs(t, err, errEmptyStack)
}

func TestDecoderStack_CompatibleNextDecoders(t *testing.T) {
	catalog, err := newDecoderCatalog(
		func() Decoder { return newStub("zeta", "bytes", "text") },
		func() Decoder { return newStub("alpha", "bytes", "lines") },
		func() Decoder { return newStub("entry", kindLogic, "bytes") },
		func() Decoder { return newStub("other", "frames", "text") },
	)
	require.NoError(t, err)

	entry, err := catalog.lookup("entry")
	require.NoError(t, err)
	st, err := newDecoderStack(entry)
	require.NoError(t, err)

	next, err := st.compatibleNextDecoders(catalog)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "alpha", next[0].ID)
	assert.Equal(t, "zeta", next[1].ID)

	for _, d := range next {
		dec, err := catalog.lookup(d.ID)
		require.NoError(t, err)
		assert.NoError(t, st.push(dec), "every listed decoder is accepted")
		_, err = st.pop()
		require.NoError(t, err)
	}
}

func TestDecoderStack_DecodeChainsStages(t *testing.T) {
	entry := newStub("a", kindLogic, "bytes")
	st, err := newDecoderStack(entry)
	require.NoError(t, err)
	second := newStub("b", "bytes", "text")
	require.NoError(t, st.push(second))

	out := st.decode(stageInput{from: 5, to: 10, sampleRate: 1, words: make([]uint16, 5)})
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].Decoder)
	assert.Equal(t, dataKind("text"), out[0].Kind)
	assert.Equal(t, "b(5-10/5)", out[0].Text)

	st.reset()
	assert.Equal(t, 1, entry.resets)
	assert.Equal(t, 1, second.resets)
}

func TestDecoderStack_UARTText(t *testing.T) {
	uart := newUARTDecoder()
	require.NoError(t, uart.Options().Set("baud", testBaud))
	st, err := newDecoderStack(uart)
	require.NoError(t, err)
	require.NoError(t, st.push(newTextDecoder()))

	words := uartWords(0, 2, []byte("ok\nno")...)
	out := st.decode(stageInput{to: uint64(len(words)), sampleRate: testRate, words: words})
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].Text)
	assert.Equal(t, "text", out[0].Decoder)
	assert.Equal(t, uint64(2*testSPB), out[0].StartSample)
}
