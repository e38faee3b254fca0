package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	errInvalidArgument    = errors.New("device rejected read arguments")
	errReadCanceled       = errors.New("read cancelled")
	errNoDevicesAvailable = errors.New("no digital front-ends connected")
	errUnknownDriver      = errors.New("unknown device driver")
)

// triggerCondition is the per-channel (or external) hardware trigger
// condition. The zero value is "no trigger".
type triggerCondition uint8

const (
	triggerNone triggerCondition = iota
	triggerRising
	triggerFalling
	triggerLow
	triggerHigh
	triggerAnyEdge
)

var triggerNames = map[triggerCondition]string{
	triggerNone:    "none",
	triggerRising:  "rising",
	triggerFalling: "falling",
	triggerLow:     "low",
	triggerHigh:    "high",
	triggerAnyEdge: "edge",
}

func (t triggerCondition) String() string {
	if s, ok := triggerNames[t]; ok {
		return s
	}
	return fmt.Sprintf("trigger(%d)", uint8(t))
}

func parseTriggerCondition(s string) (triggerCondition, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	if want == "" {
		return triggerNone, nil
	}
	for c, name := range triggerNames {
		if name == want {
			return c, nil
		}
	}
	return triggerNone, fmt.Errorf("%w: unknown trigger condition %q", errConfiguration, s)
}

// matches reports whether the transition prev -> cur satisfies the condition.
func (t triggerCondition) matches(prev, cur bool) bool {
	switch t {
	case triggerRising:
		return !prev && cur
	case triggerFalling:
		return prev && !cur
	case triggerLow:
		return !cur
	case triggerHigh:
		return cur
	case triggerAnyEdge:
		return prev != cur
	}
	return false
}

// digitalDevice is the digital I/O front-end the acquisition controller
// drives. Sample words carry one bit per channel, channel n in bit n.
//
// ReadSamples blocks until dst is filled, ctx is done, or CancelRead is
// called from another goroutine. Cancellation returns errReadCanceled; a
// read the device cannot serve returns errInvalidArgument.
type digitalDevice interface {
	Channels() int
	SetSampleRate(hz float64) (float64, error)
	SetBufferSizeLimits(min, max uint64) error
	ReadSamples(ctx context.Context, dst []uint16) error
	CancelRead()
	Flush() error
	SetKernelBufferDepth(n int) error
	TriggerCondition(ch int) (triggerCondition, error)
	SetTriggerCondition(ch int, c triggerCondition) error
	ExternalTriggerCondition() (triggerCondition, error)
	SetExternalTriggerCondition(c triggerCondition) error
	SetStreamingFlag(streaming bool) error
	SetTriggerDelay(samples int) error
	Close() error
}

func openDevice(cfg *config) (digitalDevice, error) {
	switch strings.ToLower(cfg.Device.Driver) {
	case "", "sim":
		return newSimDevice(cfg.Device.Channels, simRealtime(cfg.Device.Realtime)), nil
	case "rtlsdr":
		return openRTLDevice(cfg.Device.Serial)
	}
	return nil, fmt.Errorf("%w: %q", errUnknownDriver, cfg.Device.Driver)
}
