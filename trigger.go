package main

import (
	"log/slog"
)

// triggerSnapshot stores the hardware trigger conditions while a capture
// runs with them forced to "none", so a condition that matched once does not
// hold up the following reads. Entries are the channels in order followed
// by the external condition.
type triggerSnapshot struct {
	saved []triggerCondition
}

func (t *triggerSnapshot) active() bool { return t.saved != nil }

// save snapshots and clears every condition. It is a no-op while a snapshot
// is already held.
func (t *triggerSnapshot) save(dev digitalDevice) {
	if t.active() {
		return
	}

	channels := dev.Channels()
	saved := make([]triggerCondition, 0, channels+1)
	for ch := 0; ch < channels; ch++ {
		c, err := dev.TriggerCondition(ch)
		if err != nil {
			slog.Error("could not read trigger condition", slog.Int("channel", ch), slog.Any("error", err))
		}
		saved = append(saved, c)
		if err := dev.SetTriggerCondition(ch, triggerNone); err != nil {
			slog.Error("could not clear trigger condition", slog.Int("channel", ch), slog.Any("error", err))
		}
	}

	ext, err := dev.ExternalTriggerCondition()
	if err != nil {
		slog.Error("could not read external trigger condition", slog.Any("error", err))
	}
	saved = append(saved, ext)
	if err := dev.SetExternalTriggerCondition(triggerNone); err != nil {
		slog.Error("could not clear external trigger condition", slog.Any("error", err))
	}

	t.saved = saved
	slog.Debug("trigger conditions saved", slog.Int("entries", len(saved)))
}

// restore writes back exactly what save stored, channels first, and drops
// the snapshot. Restoring with nothing saved does nothing.
func (t *triggerSnapshot) restore(dev digitalDevice) {
	if len(t.saved) == 0 {
		t.saved = nil
		return
	}

	last := len(t.saved) - 1
	for ch, c := range t.saved[:last] {
		if err := dev.SetTriggerCondition(ch, c); err != nil {
			slog.Error("could not restore trigger condition", slog.Int("channel", ch), slog.Any("error", err))
		}
	}
	if err := dev.SetExternalTriggerCondition(t.saved[last]); err != nil {
		slog.Error("could not restore external trigger condition", slog.Any("error", err))
	}

	slog.Debug("trigger conditions restored", slog.Int("entries", len(t.saved)))
	t.saved = nil
}

// override replaces a saved entry (index == channel count for the external
// condition) and reports whether a snapshot was held.
func (t *triggerSnapshot) override(index int, c triggerCondition) bool {
	if !t.active() || index < 0 || index >= len(t.saved) {
		return false
	}
	t.saved[index] = c
	return true
}
