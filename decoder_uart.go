package main

import (
	"fmt"
	"log/slog"
)

const (
	uartDataBits  = 8
	uartFrameBits = uartDataBits + 2
)

// uartDecoder reads 8N1 frames, LSB first, from one channel. Bits are
// sampled at their centre; a start bit that is high at its centre is a
// glitch and is dropped.
type uartDecoder struct {
	opts *decoderOptions

	havePrev   bool
	prev       bool
	inFrame    bool
	frameStart uint64
	bit        int
	value      byte
	warned     bool
}

func newUARTDecoder() Decoder {
	return &uartDecoder{opts: newDecoderOptions(map[string]any{
		"rx":   0,
		"baud": 115200,
	})}
}

func (u *uartDecoder) Descriptor() decoderDescriptor {
	return decoderDescriptor{
		ID:          "uart",
		Input:       kindLogic,
		Output:      "uart",
		Description: "Asynchronous serial, 8N1",
	}
}

func (u *uartDecoder) Options() *decoderOptions { return u.opts }

func (u *uartDecoder) Reset() {
	*u = uartDecoder{opts: u.opts}
}

func (u *uartDecoder) Decode(in stageInput) []Annotation {
	rx, baud := u.opts.Int("rx"), u.opts.Int("baud")
	if !validChannel(rx) || baud <= 0 || in.sampleRate <= 0 {
		return nil
	}
	spb := in.sampleRate / float64(baud)
	if spb < 2 {
		if !u.warned {
			slog.Warn("uart sample rate too low for baud rate",
				slog.Float64("samplesPerBit", spb),
				slog.Int("baud", baud))
			u.warned = true
		}
		return nil
	}

	var out []Annotation
	for k, w := range in.words {
		i := in.from + uint64(k)
		level := channelBit(w, rx)

		if !u.inFrame {
			if u.havePrev && u.prev && !level {
				u.inFrame, u.frameStart, u.bit, u.value = true, i, 0, 0
			}
			u.prev, u.havePrev = level, true
			continue
		}
		u.prev = level

		if i != u.frameStart+uint64(float64(u.bit)*spb+spb/2) {
			continue
		}

		switch {
		case u.bit == 0:
			if level {
				u.inFrame = false
				continue
			}
		case u.bit <= uartDataBits:
			if level {
				u.value |= 1 << uint(u.bit-1)
			}
		default:
			a := Annotation{
				StartSample: u.frameStart,
				EndSample:   u.frameStart + uint64(float64(uartFrameBits)*spb),
				Text:        fmt.Sprintf("0x%02X '%s'", u.value, safeASCII(u.value)),
				Data:        []byte{u.value},
			}
			if !level {
				a.Text += " framing error"
			}
			out = append(out, a)
			u.inFrame = false
			continue
		}
		u.bit++
	}
	return out
}
