package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	rtl "github.com/jpoirier/gortlsdr"
)

const (
	rtlChannels       = 8
	rtlMinSampleRate  = 225001
	rtlMaxSampleRate  = 3200000
	rtlGapLow         = 300000
	rtlGapHigh        = 900001
	rtlDefaultBuffers = 15
)

// rtlDevice samples the raw 8-bit stream of an RTL2832 dongle; bit n of each
// byte is reported as channel n. The dongle has no trigger logic, so
// conditions are held in software and reported back unchanged.
type rtlDevice struct {
	mu          sync.Mutex
	dev         managedDongle
	rate        float64
	kernelDepth int
	minBuf      uint64
	maxBuf      uint64
	conds       [rtlChannels]triggerCondition
	ext         triggerCondition
	delay       int
	streaming   bool
	cancelled   bool
}

func openRTLDevice(serial string) (*rtlDevice, error) {
	dev, err := openDongle(serial)
	if err != nil {
		return nil, err
	}
	return &rtlDevice{dev: dev, kernelDepth: rtlDefaultBuffers}, nil
}

type managedDongle struct {
	*rtl.Context
}

func openDongle(dongleSerial string) (managedDongle, error) {
	if rtl.GetDeviceCount() == 0 {
		return managedDongle{}, errNoDevicesAvailable
	}

	slog.Info("rtlsdr devices found", slog.Int("count", rtl.GetDeviceCount()), slog.String("serial", dongleSerial))

	devIdx := 0
	if dongleSerial != "" {
		idx, err := rtl.GetIndexBySerial(dongleSerial)
		if err != nil {
			return managedDongle{}, err
		}
		devIdx = idx
	}

	dev, err := rtl.Open(devIdx)
	return managedDongle{dev}, err
}

func (md *managedDongle) close() error {
	slog.Info("closing connection to device", slog.String("stage", "dongle"))

	if err := md.CancelAsync(); err != nil {
		slog.Error("error cancelling async read", slog.String("stage", "dongle"), slog.Any("error", err))
	}

	if err := md.Close(); err != nil {
		slog.Error("error closing device", slog.String("stage", "dongle"), slog.Any("error", err))
		return err
	}
	return nil
}

func (d *rtlDevice) Channels() int { return rtlChannels }

func (d *rtlDevice) SetSampleRate(hz float64) (float64, error) {
	rate := int(math.Round(hz))
	if rate < rtlMinSampleRate || rate > rtlMaxSampleRate || (rate > rtlGapLow && rate < rtlGapHigh) {
		return 0, fmt.Errorf("%w: rtlsdr sample rate %d", errInvalidArgument, rate)
	}
	if err := d.dev.SetSampleRate(rate); err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.rate = float64(rate)
	d.mu.Unlock()
	return float64(rate), nil
}

func (d *rtlDevice) SetBufferSizeLimits(min, max uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minBuf, d.maxBuf = min, max
	return nil
}

// ReadSamples runs an async read until dst is full. A watcher goroutine
// cancels the transfer when ctx is done.
func (d *rtlDevice) ReadSamples(ctx context.Context, dst []uint16) error {
	d.mu.Lock()
	n := uint64(len(dst))
	if n == 0 || n < d.minBuf || (d.maxBuf != 0 && n > d.maxBuf) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d samples", errInvalidArgument, n)
	}
	// A stop between chunks cancels ctx before its CancelRead lands.
	if ctx.Err() != nil {
		d.mu.Unlock()
		return errReadCanceled
	}
	d.cancelled = false
	depth := d.kernelDepth
	d.mu.Unlock()

	filled := 0
	callback := func(buf []byte) {
		if filled >= len(dst) {
			return
		}
		for _, b := range buf {
			dst[filled] = uint16(b)
			filled++
			if filled == len(dst) {
				break
			}
		}
		if filled == len(dst) {
			if err := d.dev.CancelAsync(); err != nil {
				slog.Error("error ending async read", slog.String("stage", "dongle"), slog.Any("error", err))
			}
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			d.CancelRead()
		case <-done:
		}
	}()

	err := d.dev.ReadAsync(callback, nil, depth, 0)
	if filled == len(dst) {
		return nil
	}

	d.mu.Lock()
	cancelled := d.cancelled
	d.mu.Unlock()
	if cancelled || ctx.Err() != nil {
		return errReadCanceled
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	return errReadCanceled
}

func (d *rtlDevice) CancelRead() {
	d.mu.Lock()
	d.cancelled = true
	d.mu.Unlock()
	if err := d.dev.CancelAsync(); err != nil {
		slog.Debug("cancel with no read in flight", slog.String("stage", "dongle"), slog.Any("error", err))
	}
}

func (d *rtlDevice) Flush() error {
	return d.dev.ResetBuffer()
}

func (d *rtlDevice) SetKernelBufferDepth(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: kernel buffer depth %d", errInvalidArgument, n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kernelDepth = n
	return nil
}

func (d *rtlDevice) TriggerCondition(ch int) (triggerCondition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= rtlChannels {
		return triggerNone, fmt.Errorf("%w: channel %d", errInvalidArgument, ch)
	}
	return d.conds[ch], nil
}

func (d *rtlDevice) SetTriggerCondition(ch int, c triggerCondition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= rtlChannels {
		return fmt.Errorf("%w: channel %d", errInvalidArgument, ch)
	}
	d.conds[ch] = c
	return nil
}

func (d *rtlDevice) ExternalTriggerCondition() (triggerCondition, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ext, nil
}

func (d *rtlDevice) SetExternalTriggerCondition(c triggerCondition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ext = c
	return nil
}

func (d *rtlDevice) SetStreamingFlag(streaming bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = streaming
	return nil
}

func (d *rtlDevice) SetTriggerDelay(samples int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = samples
	return nil
}

func (d *rtlDevice) Close() error {
	return d.dev.close()
}
