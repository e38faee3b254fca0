package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// instrument is one wired-up analyzer: device, controller, curves, store
// and metrics.
type instrument struct {
	cfg      *config
	dev      digitalDevice
	events   *eventQueue
	ctrl     *acquisitionController
	analyzer *logicAnalyzer
	store    *annotationStore
	stats    *statsInternal
	catalog  *decoderCatalog

	shutdownTracing func(context.Context) error
}

func newInstrument(ctx context.Context, cfg *config, catalog *decoderCatalog) (*instrument, error) {
	in := &instrument{cfg: cfg, catalog: catalog, stats: newStatsInternal(), events: newEventQueue()}

	if cfg.Tracing.Enabled {
		shutdown, err := initTracing(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, err
		}
		in.shutdownTracing = shutdown
	}

	dev, err := openDevice(cfg)
	if err != nil {
		in.close()
		return nil, fmt.Errorf("unable to open device: %w", err)
	}
	in.dev = dev

	store, err := openAnnotationStore(cfg.Output.Database, cfg.Output.BatchSize)
	if err != nil {
		in.close()
		return nil, err
	}
	in.store = store

	in.ctrl = newAcquisitionController(ctx, dev, in.events, in.stats)
	last, err := store.lastSession()
	if err != nil {
		in.close()
		return nil, err
	}
	in.ctrl.resumeAfter(last)
	in.analyzer = newLogicAnalyzer(in.ctrl, in.events, catalog, store, in.stats)
	return in, nil
}

// applyConfig pushes capture settings, trigger conditions and curves from
// the configuration.
func (in *instrument) applyConfig() error {
	cfg := in.cfg

	rate, err := cfg.sampleRate()
	if err != nil {
		return err
	}
	size, err := cfg.bufferSize()
	if err != nil {
		return err
	}
	mode, err := cfg.captureMode()
	if err != nil {
		return err
	}
	actualRate, actualSize, err := in.analyzer.configure(rate, size, mode, cfg.Capture.Delay)
	if err != nil {
		return err
	}
	slog.Info("capture settings applied",
		slog.Float64("sampleRate", actualRate),
		slog.Uint64("bufferSize", actualSize))

	conds, err := cfg.triggerConditions()
	if err != nil {
		return err
	}
	for ch, c := range conds {
		if err := in.ctrl.setTriggerCondition(ch, c); err != nil {
			return err
		}
	}
	ext, err := parseTriggerCondition(cfg.Trigger.External)
	if err != nil {
		return err
	}
	if err := in.ctrl.setExternalTriggerCondition(ext); err != nil {
		return err
	}
	in.analyzer.setAutoTrigger(cfg.Capture.AutoTrigger)

	channels, err := cfg.dataChannels()
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if _, err := in.analyzer.addDataCurve(ch, ""); err != nil {
			return err
		}
	}

	stacks, err := cfg.decoderStacks()
	if err != nil {
		return err
	}
	for _, st := range stacks {
		if _, err := in.analyzer.addStack(st); err != nil {
			return err
		}
	}
	return nil
}

// decoderCurves lists the handles of annotation curves in display order.
func (in *instrument) decoderCurves() []uuid.UUID {
	var out []uuid.UUID
	for _, v := range in.analyzer.listCurves() {
		if v.Kind == curveAnnotation {
			out = append(out, v.Handle)
		}
	}
	return out
}

// close stops any capture and releases the device, the store and the
// tracer, returning the first error.
func (in *instrument) close() error {
	var errs []error
	if in.analyzer != nil {
		in.analyzer.stop()
	}
	if in.dev != nil {
		errs = append(errs, in.dev.Close())
	}
	if in.store != nil {
		errs = append(errs, in.store.Close())
	}
	if in.shutdownTracing != nil {
		errs = append(errs, in.shutdownTracing(context.Background()))
	}
	return errors.Join(errs...)
}
