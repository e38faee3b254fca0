package main

import (
	"fmt"
)

// spiDecoder shifts MSB-first bytes in on the sampling edge of clk. With cs
// set, a high chip select discards any partial byte.
type spiDecoder struct {
	opts *decoderOptions

	havePrev  bool
	lastCLK   bool
	bitPos    int
	byteStart uint64
	mosi      byte
	miso      byte
}

func newSPIDecoder() Decoder {
	return &spiDecoder{opts: newDecoderOptions(map[string]any{
		"clk":  1,
		"mosi": 2,
		"miso": -1,
		"cs":   -1,
		"cpol": false,
		"cpha": false,
	})}
}

func (s *spiDecoder) Descriptor() decoderDescriptor {
	return decoderDescriptor{
		ID:          "spi",
		Input:       kindLogic,
		Output:      "spi",
		Description: "Serial peripheral interface, MOSI/MISO bytes",
	}
}

func (s *spiDecoder) Options() *decoderOptions { return s.opts }

func (s *spiDecoder) Reset() {
	*s = spiDecoder{opts: s.opts}
}

func (s *spiDecoder) Decode(in stageInput) []Annotation {
	clk, mosi, miso, cs := s.opts.Int("clk"), s.opts.Int("mosi"), s.opts.Int("miso"), s.opts.Int("cs")
	cpol, cpha := s.opts.Bool("cpol"), s.opts.Bool("cpha")
	if !validChannel(clk) {
		return nil
	}

	var out []Annotation
	for k, w := range in.words {
		i := in.from + uint64(k)
		clkNow := channelBit(w, clk)

		if !s.havePrev {
			s.lastCLK, s.havePrev = clkNow, true
			continue
		}
		if validChannel(cs) && channelBit(w, cs) {
			s.bitPos, s.mosi, s.miso = 0, 0, 0
			s.lastCLK = clkNow
			continue
		}
		if clkNow == s.lastCLK {
			continue
		}

		if sampleOnEdge := (s.lastCLK == cpol) != cpha; sampleOnEdge {
			if s.bitPos == 0 {
				s.byteStart = i
			}
			if validChannel(mosi) && channelBit(w, mosi) {
				s.mosi |= 1 << uint(7-s.bitPos)
			}
			if validChannel(miso) && channelBit(w, miso) {
				s.miso |= 1 << uint(7-s.bitPos)
			}
			s.bitPos++
			if s.bitPos == 8 {
				out = append(out, Annotation{
					StartSample: s.byteStart,
					EndSample:   i + 1,
					Text:        fmt.Sprintf("MOSI=0x%02X MISO=0x%02X", s.mosi, s.miso),
					Data:        []byte{s.mosi, s.miso},
				})
				s.bitPos, s.mosi, s.miso = 0, 0, 0
			}
		}
		s.lastCLK = clkNow
	}
	return out
}
