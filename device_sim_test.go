package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimDevice_SampleRateCoercion(t *testing.T) {
	dev := newSimDevice(16)

	for want, in := range map[float64]float64{
		1e6:          1e6,
		100e6 / 33.0: 3e6,
		100e6:        200e6,
	} {
		got, err := dev.SetSampleRate(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "requested %g", in)
	}

	_, err := dev.SetSampleRate(0)
	assert.ErrorIs(t, err, errInvalidArgument)
}

func TestSimDevice_BufferLimits(t *testing.T) {
	dev := newSimDevice(16)
	require.NoError(t, dev.SetBufferSizeLimits(16, 64))
	ctx := context.Background()

	assert.ErrorIs(t, dev.ReadSamples(ctx, nil), errInvalidArgument)
	assert.ErrorIs(t, dev.ReadSamples(ctx, make([]uint16, 8)), errInvalidArgument)
	assert.ErrorIs(t, dev.ReadSamples(ctx, make([]uint16, 128)), errInvalidArgument)
	assert.NoError(t, dev.ReadSamples(ctx, make([]uint16, 32)))

	assert.ErrorIs(t, dev.SetBufferSizeLimits(64, 16), errInvalidArgument)
}

func TestSimDevice_ChannelTriggerAlignsRead(t *testing.T) {
	dev := newSimDevice(16)
	require.NoError(t, dev.SetTriggerCondition(3, triggerRising))
	require.NoError(t, dev.Flush())

	dst := make([]uint16, 64)
	require.NoError(t, dev.ReadSamples(context.Background(), dst))
	assert.Equal(t, simWaveform(8), dst[0])
	assert.Equal(t, simWaveform(71), dst[63])

	_, err := dev.TriggerCondition(16)
	assert.ErrorIs(t, err, errInvalidArgument)
}

func TestSimDevice_ConditionsLatchAtFlush(t *testing.T) {
	dev := newSimDevice(16)
	require.NoError(t, dev.Flush())
	require.NoError(t, dev.SetTriggerCondition(3, triggerRising))

	dst := make([]uint16, 16)
	require.NoError(t, dev.ReadSamples(context.Background(), dst))
	assert.Equal(t, simWaveform(0), dst[0])

	c, err := dev.TriggerCondition(3)
	require.NoError(t, err)
	assert.Equal(t, triggerRising, c)
}

func TestSimDevice_ExternalTriggerBlocks(t *testing.T) {
	dev := newSimDevice(16)
	require.NoError(t, dev.SetExternalTriggerCondition(triggerRising))
	require.NoError(t, dev.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, dev.ReadSamples(ctx, make([]uint16, 16)), errReadCanceled)

	done := make(chan error, 1)
	go func() { done <- dev.ReadSamples(context.Background(), make([]uint16, 16)) }()

	var err error
	require.Eventually(t, func() bool {
		dev.CancelRead()
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, err, errReadCanceled)
}

func TestSimDevice_ClosedReadsAreCanceled(t *testing.T) {
	dev := newSimDevice(16)
	require.NoError(t, dev.Close())
	assert.ErrorIs(t, dev.ReadSamples(context.Background(), make([]uint16, 16)), errReadCanceled)
}

func TestSimDevice_UARTStreamDecodes(t *testing.T) {
	dev := newSimDevice(16)
	rate, err := dev.SetSampleRate(1e6)
	require.NoError(t, err)

	// Skip the first message so the read starts in the idle gap.
	ctx := context.Background()
	require.NoError(t, dev.ReadSamples(ctx, make([]uint16, 1440)))
	words := make([]uint16, 1760)
	require.NoError(t, dev.ReadSamples(ctx, words))

	d := newUARTDecoder()
	require.NoError(t, d.Options().Set("rx", 0))
	require.NoError(t, d.Options().Set("baud", 62500))
	anns := d.Decode(stageInput{to: uint64(len(words)), sampleRate: rate, words: words})

	var got []byte
	for _, a := range anns {
		got = append(got, a.Data...)
	}
	assert.Equal(t, simMessage, got)
	require.NotEmpty(t, anns)
	assert.Equal(t, uint64(320), anns[0].StartSample)
}
