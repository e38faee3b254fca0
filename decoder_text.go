package main

import (
	"strings"
)

// textDecoder joins UART bytes into lines. A line ends at '\n' or when it
// reaches maxLine bytes; a trailing '\r' is dropped.
type textDecoder struct {
	opts *decoderOptions

	line  []byte
	start uint64
	end   uint64
}

func newTextDecoder() Decoder {
	return &textDecoder{opts: newDecoderOptions(map[string]any{
		"maxLine": 256,
	})}
}

func (t *textDecoder) Descriptor() decoderDescriptor {
	return decoderDescriptor{
		ID:          "text",
		Input:       "uart",
		Output:      "text",
		Description: "Newline-terminated text over UART",
	}
}

func (t *textDecoder) Options() *decoderOptions { return t.opts }

func (t *textDecoder) Reset() {
	*t = textDecoder{opts: t.opts}
}

func (t *textDecoder) Decode(in stageInput) []Annotation {
	maxLine := t.opts.Int("maxLine")
	if maxLine <= 0 {
		maxLine = 256
	}

	var out []Annotation
	for _, a := range in.annotations {
		for _, b := range a.Data {
			if len(t.line) == 0 {
				t.start = a.StartSample
			}
			t.end = a.EndSample
			if b == '\n' {
				out = append(out, t.flush())
				continue
			}
			t.line = append(t.line, b)
			if len(t.line) >= maxLine {
				out = append(out, t.flush())
			}
		}
	}
	return out
}

func (t *textDecoder) flush() Annotation {
	a := Annotation{
		StartSample: t.start,
		EndSample:   t.end,
		Text:        strings.TrimSuffix(string(t.line), "\r"),
		Data:        append([]byte(nil), t.line...),
	}
	t.line = t.line[:0]
	return a
}
