package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	errUnknownDecoder = errors.New("unknown decoder")
	errInvalidOption  = errors.New("invalid decoder option")
)

// dataKind names what flows between decoder stages.
type dataKind string

// kindLogic is raw sample words; every stack starts by consuming it.
const kindLogic dataKind = "logic"

type decoderDescriptor struct {
	ID          string   `json:"id"`
	Input       dataKind `json:"input"`
	Output      dataKind `json:"output"`
	Description string   `json:"description"`
}

// Annotation is one decoded span. Decoders fill the sample range, text and
// payload; the stack stamps decoder and kind, the curve stamps the times.
type Annotation struct {
	Decoder     string   `json:"decoder"`
	Kind        dataKind `json:"kind"`
	StartSample uint64   `json:"startSample"`
	EndSample   uint64   `json:"endSample"`
	Start       float64  `json:"start"`
	End         float64  `json:"end"`
	Text        string   `json:"text"`
	Data        []byte   `json:"data,omitempty"`
}

// stageInput is the newly available range [from, to) as seen by one stage.
// Stage 0 gets words (words[0] is sample from); later stages get the
// annotations their predecessor produced for the same range.
type stageInput struct {
	from        uint64
	to          uint64
	sampleRate  float64
	words       []uint16
	annotations []Annotation
}

// Decoder is an incremental protocol decoder. Decode is called with
// consecutive ranges and keeps whatever state a frame spanning two ranges
// needs; Reset drops that state.
type Decoder interface {
	Descriptor() decoderDescriptor
	Options() *decoderOptions
	Reset()
	Decode(in stageInput) []Annotation
}

// decoderOptions is a decoder's option set. The keys and their scalar types
// (int, float64, bool, string) are fixed by the defaults it is built from.
type decoderOptions struct {
	mu     sync.Mutex
	values map[string]any
}

func newDecoderOptions(defaults map[string]any) *decoderOptions {
	values := make(map[string]any, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &decoderOptions{values: values}
}

func (o *decoderOptions) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o *decoderOptions) Get(key string) (any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.values[key]
	return v, ok
}

// Set stores value under an existing key, converting it to the key's type.
// JSON numbers arrive as float64 and are accepted for int options when
// integral.
func (o *decoderOptions) Set(key string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur, ok := o.values[key]
	if !ok {
		return fmt.Errorf("%w: unknown key %q", errInvalidOption, key)
	}
	if s, isString := value.(string); isString {
		if _, want := cur.(string); !want {
			return o.setStringLocked(key, cur, s)
		}
	}

	switch cur.(type) {
	case int:
		switch v := value.(type) {
		case int:
			o.values[key] = v
		case float64:
			if v != math.Trunc(v) {
				return fmt.Errorf("%w: %s wants an integer, got %v", errInvalidOption, key, v)
			}
			o.values[key] = int(v)
		default:
			return fmt.Errorf("%w: %s wants an integer, got %T", errInvalidOption, key, value)
		}
	case float64:
		switch v := value.(type) {
		case float64:
			o.values[key] = v
		case int:
			o.values[key] = float64(v)
		default:
			return fmt.Errorf("%w: %s wants a number, got %T", errInvalidOption, key, value)
		}
	case bool:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants a boolean, got %T", errInvalidOption, key, value)
		}
		o.values[key] = v
	case string:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string, got %T", errInvalidOption, key, value)
		}
		o.values[key] = v
	}
	return nil
}

func (o *decoderOptions) setStringLocked(key string, cur any, raw string) error {
	raw = strings.TrimSpace(raw)
	switch cur.(type) {
	case int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errInvalidOption, key, err)
		}
		o.values[key] = v
	case float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errInvalidOption, key, err)
		}
		o.values[key] = v
	case bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errInvalidOption, key, err)
		}
		o.values[key] = v
	}
	return nil
}

func (o *decoderOptions) Int(key string) int {
	v, _ := o.Get(key)
	i, _ := v.(int)
	return i
}

func (o *decoderOptions) Float(key string) float64 {
	v, _ := o.Get(key)
	f, _ := v.(float64)
	return f
}

func (o *decoderOptions) Bool(key string) bool {
	v, _ := o.Get(key)
	b, _ := v.(bool)
	return b
}

func (o *decoderOptions) String(key string) string {
	v, _ := o.Get(key)
	s, _ := v.(string)
	return s
}

// snapshot copies the current values for display.
func (o *decoderOptions) snapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]any, len(o.values))
	for k, v := range o.values {
		out[k] = v
	}
	return out
}

type decoderFactory func() Decoder

type catalogEntry struct {
	desc    decoderDescriptor
	factory decoderFactory
}

// decoderCatalog is the set of decoders available to this process. It is
// built once at startup and never changes afterwards.
type decoderCatalog struct {
	entries map[string]catalogEntry
	ids     []string
}

func newDecoderCatalog(factories ...decoderFactory) (*decoderCatalog, error) {
	c := &decoderCatalog{entries: make(map[string]catalogEntry, len(factories))}
	for _, f := range factories {
		desc := f().Descriptor()
		if desc.ID == "" {
			return nil, fmt.Errorf("decoder with empty id")
		}
		if _, dup := c.entries[desc.ID]; dup {
			return nil, fmt.Errorf("duplicate decoder id %q", desc.ID)
		}
		c.entries[desc.ID] = catalogEntry{desc: desc, factory: f}
		c.ids = append(c.ids, desc.ID)
	}
	sort.Strings(c.ids)

	slog.Debug("decoder catalog loaded", slog.Int("decoders", len(c.ids)))
	return c, nil
}

func builtinCatalog() *decoderCatalog {
	c, err := newDecoderCatalog(newUARTDecoder, newSPIDecoder, newTextDecoder)
	if err != nil {
		panic(err)
	}
	return c
}

// lookup builds a fresh decoder instance with default options.
func (c *decoderCatalog) lookup(id string) (Decoder, error) {
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownDecoder, id)
	}
	return e.factory(), nil
}

// accepting lists decoders whose input is kind, ordered by id.
func (c *decoderCatalog) accepting(kind dataKind) []decoderDescriptor {
	var out []decoderDescriptor
	for _, id := range c.ids {
		if d := c.entries[id].desc; d.Input == kind {
			out = append(out, d)
		}
	}
	return out
}

func (c *decoderCatalog) entryPoints() []decoderDescriptor {
	return c.accepting(kindLogic)
}

func (c *decoderCatalog) descriptors() []decoderDescriptor {
	out := make([]decoderDescriptor, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.entries[id].desc)
	}
	return out
}

// validChannel reports whether ch addresses a bit of a sample word.
func validChannel(ch int) bool { return ch >= 0 && ch < 16 }

func channelBit(w uint16, ch int) bool {
	return w&(1<<uint(ch)) != 0
}

func safeASCII(b byte) string {
	if b >= 0x20 && b <= 0x7e {
		return string([]byte{b})
	}
	return "."
}
