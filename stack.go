package main

import (
	"errors"
	"fmt"
)

var (
	errIncompatibleKind = errors.New("incompatible decoder kind")
	errEmptyStack       = errors.New("decoder stack is empty")
	errStackBottom      = errors.New("cannot remove the initial decoder")
)

// decoderStack chains decoders so stage k consumes what stage k-1 emits.
// Stage 0 always consumes logic samples.
type decoderStack struct {
	stages []Decoder
}

func newDecoderStack(entry Decoder) (*decoderStack, error) {
	s := &decoderStack{}
	if err := s.push(entry); err != nil {
		return nil, err
	}
	return s, nil
}

// push adds d on top. The stack is left untouched when d's input kind does
// not match what the current top emits.
func (s *decoderStack) push(d Decoder) error {
	want := kindLogic
	if top, err := s.top(); err == nil {
		want = top.Descriptor().Output
	}

	desc := d.Descriptor()
	if desc.Input != want {
		return fmt.Errorf("%w: %s consumes %q, stack top emits %q", errIncompatibleKind, desc.ID, desc.Input, want)
	}
	s.stages = append(s.stages, d)
	return nil
}

func (s *decoderStack) top() (Decoder, error) {
	if len(s.stages) == 0 {
		return nil, errEmptyStack
	}
	return s.stages[len(s.stages)-1], nil
}

// pop removes the top decoder. The entry decoder cannot be removed.
func (s *decoderStack) pop() (Decoder, error) {
	switch len(s.stages) {
	case 0:
		return nil, errEmptyStack
	case 1:
		return nil, errStackBottom
	}
	d := s.stages[len(s.stages)-1]
	s.stages = s.stages[:len(s.stages)-1]
	return d, nil
}

// stage returns the decoder at position i, 0 being the entry decoder.
func (s *decoderStack) stage(i int) (Decoder, bool) {
	if i < 0 || i >= len(s.stages) {
		return nil, false
	}
	return s.stages[i], true
}

func (s *decoderStack) ids() []string {
	out := make([]string, len(s.stages))
	for i, d := range s.stages {
		out[i] = d.Descriptor().ID
	}
	return out
}

// compatibleNextDecoders lists the catalog entries that could be pushed
// next, ordered by id.
func (s *decoderStack) compatibleNextDecoders(catalog *decoderCatalog) ([]decoderDescriptor, error) {
	top, err := s.top()
	if err != nil {
		return nil, err
	}
	return catalog.accepting(top.Descriptor().Output), nil
}

func (s *decoderStack) reset() {
	for _, d := range s.stages {
		d.Reset()
	}
}

// decode runs one range through every stage and returns what the top stage
// emitted, stamped with its id and kind.
func (s *decoderStack) decode(in stageInput) []Annotation {
	var out []Annotation
	for i, d := range s.stages {
		if i > 0 {
			in = stageInput{from: in.from, to: in.to, sampleRate: in.sampleRate, annotations: out}
		}
		out = d.Decode(in)

		desc := d.Descriptor()
		for j := range out {
			out[j].Decoder, out[j].Kind = desc.ID, desc.Output
		}
	}
	return out
}
