package main

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func span(start, end uint64, text string) Annotation {
	return Annotation{
		Decoder: "uart", Kind: "uart",
		StartSample: start, EndSample: end,
		Start: float64(start) / 1e6, End: float64(end) / 1e6,
		Text: text, Data: []byte(text),
	}
}

func TestAnnotationStore_QueryOrdersAndFilters(t *testing.T) {
	store, err := openAnnotationStore("", 2)
	require.NoError(t, err)
	defer store.Close()

	curveA, curveB := uuid.New(), uuid.New()
	require.NoError(t, store.write(1, curveA, []Annotation{span(300, 350, "c"), span(100, 150, "a")}))
	require.NoError(t, store.write(1, curveA, []Annotation{span(200, 250, "b")}))
	require.NoError(t, store.write(1, curveB, []Annotation{span(100, 150, "other curve")}))
	require.NoError(t, store.write(2, curveA, []Annotation{span(100, 150, "other session")}))

	got, err := store.query(1, curveA, 0, annotationsAll)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, texts(got))
	assert.Equal(t, span(100, 150, "a"), got[0])

	got, err = store.query(1, curveA, 150, 260)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, texts(got))

	got, err = store.query(2, curveA, 0, annotationsAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"other session"}, texts(got))

	got, err = store.query(3, curveA, 0, annotationsAll)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAnnotationStore_CloseFlushesPendingBatch(t *testing.T) {
	dir := t.TempDir()
	curve := uuid.New()

	store, err := openAnnotationStore(dir, 100)
	require.NoError(t, err)
	require.NoError(t, store.write(4, curve, []Annotation{span(10, 20, "kept")}))
	require.NoError(t, store.write(4, curve, nil))
	require.NoError(t, store.Close())

	store, err = openAnnotationStore(dir, 100)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.query(4, curve, 0, annotationsAll)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, texts(got))

	last, err := store.lastSession()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)
}

func TestAnnotationStore_LastSessionEmpty(t *testing.T) {
	store, err := openAnnotationStore("", 0)
	require.NoError(t, err)
	defer store.Close()

	last, err := store.lastSession()
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestRecordKey_SortsBySessionCurveThenSample(t *testing.T) {
	curve := uuid.New()
	early := recordKey(&annotationRecord{Session: 1, Curve: curve, Seq: 9, Annotation: Annotation{StartSample: 5}})
	late := recordKey(&annotationRecord{Session: 1, Curve: curve, Seq: 1, Annotation: Annotation{StartSample: 6}})
	next := recordKey(&annotationRecord{Session: 2, Curve: curve, Annotation: Annotation{StartSample: 0}})

	assert.Len(t, early, recordKeyLen)
	assert.Negative(t, bytes.Compare(early, late))
	assert.Negative(t, bytes.Compare(late, next))
	assert.True(t, bytes.HasPrefix(early, recordPrefix(1, curve)))
}

func TestRecordCodec(t *testing.T) {
	in := &annotationRecord{Session: 3, Curve: uuid.New(), Seq: 12, Annotation: span(1, 2, "x")}
	data, err := encodeRecord(in)
	require.NoError(t, err)
	out, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeRecord([]byte("not gob"))
	assert.Error(t, err)
}
