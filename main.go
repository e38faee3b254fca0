// Copyright (C) 2014 Ian Bishop
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Command logicctl drives a digital front-end as a logic analyzer and
// decodes what it captures through stacks of protocol decoders.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const (
	serverShutdownTimeout = 5 * time.Second
	annotationsAll        = ^uint64(0)
)

var (
	cliCfgFile  string
	cliLogLevel string
	cfg         *config

	flagRate   string
	flagSize   string
	flagMode   string
	flagDelay  int
	flagAuto   bool
	flagStacks []string

	rootCmd = &cobra.Command{
		Use:   "logicctl",
		Short: "Headless logic analyzer with stackable protocol decoders",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = getConfigOrDefaults(&cliCfgFile); err != nil {
				return fmt.Errorf("unable to read configuration: %w", err)
			}
			if cliLogLevel != "" {
				cfg.Log.Level = cliLogLevel
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()})))
			return nil
		},
	}

	captureCmd = &cobra.Command{
		Use:   "capture",
		Short: "Run one capture session and print the decoded annotations",
		RunE:  runCapture,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API, event feed and metrics until interrupted",
		RunE:  runServe,
	}

	decodersCmd = &cobra.Command{
		Use:   "decoders",
		Short: "List the available decoders",
		Run:   runDecoders,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cliCfgFile, "config", "c", "", "configuration file to load parameters from")
	rootCmd.PersistentFlags().StringVar(&cliLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	captureCmd.Flags().StringVar(&flagRate, "rate", "", "sample rate, e.g. 1M")
	captureCmd.Flags().StringVar(&flagSize, "size", "", "buffer size in samples, e.g. 4k")
	captureCmd.Flags().StringVar(&flagMode, "mode", "", "oneshot or stream")
	captureCmd.Flags().IntVar(&flagDelay, "delay", 0, "trigger delay in samples (oneshot)")
	captureCmd.Flags().BoolVar(&flagAuto, "auto", false, "enable the auto trigger")
	captureCmd.Flags().StringArrayVar(&flagStacks, "stack", nil, "decoder stack, e.g. uart:rx=0:baud=62500>text")

	rootCmd.AddCommand(captureCmd, serveCmd, decodersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// captureOverrides folds command line flags into the configuration.
func captureOverrides(cmd *cobra.Command) {
	if flagRate != "" {
		cfg.Capture.SampleRate = flagRate
	}
	if flagSize != "" {
		cfg.Capture.BufferSize = flagSize
	}
	if flagMode != "" {
		cfg.Capture.Mode = flagMode
	}
	if cmd.Flags().Changed("delay") {
		cfg.Capture.Delay = flagDelay
	}
	if cmd.Flags().Changed("auto") {
		cfg.Capture.AutoTrigger = flagAuto
	}
	for _, s := range flagStacks {
		if cfg.Decoders.Stacks != "" {
			cfg.Decoders.Stacks += " | "
		}
		cfg.Decoders.Stacks += s
	}
}

// stopWatcher closes done once a session reports Stop.
type stopWatcher struct {
	done    chan struct{}
	stopped bool
}

func (w *stopWatcher) publish(msg feedMessage) {
	if msg.Type == "status" && msg.Session > 0 && msg.State == stateStop.String() && !w.stopped {
		w.stopped = true
		close(w.done)
	}
}

func runCapture(cmd *cobra.Command, args []string) error {
	captureOverrides(cmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := newInstrument(ctx, cfg, builtinCatalog())
	if err != nil {
		return err
	}
	defer func() {
		handleErr("unable to close instrument", in.close())
	}()

	if err := in.applyConfig(); err != nil {
		return err
	}

	watcher := &stopWatcher{done: make(chan struct{})}
	in.analyzer.setFeed(watcher)
	go func() {
		handleErr("dispatch loop finished with error", in.analyzer.run(ctx))
	}()

	handleSignal(os.Interrupt, in.analyzer.stop)
	s, err := in.analyzer.start()
	if err != nil {
		return err
	}
	slog.Info("capturing until complete or SIGINT", slog.Uint64("session", s.id))
	<-watcher.done

	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, h := range in.decoderCurves() {
		anns, err := in.analyzer.annotations(h, 0, annotationsAll)
		if err != nil {
			return err
		}
		for _, a := range anns {
			fmt.Fprintf(out, "%s\t%s\t%.9f\t%.9f\t%s\n", h.String()[:8], a.Decoder, a.Start, a.End, a.Text)
		}
	}
	fmt.Fprintf(out, "captured\t%d samples\n", in.ctrl.lastCapturedSample())
	return out.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := newInstrument(ctx, cfg, builtinCatalog())
	if err != nil {
		return err
	}
	defer func() {
		handleErr("unable to close instrument", in.close())
	}()

	if err := in.applyConfig(); err != nil {
		return err
	}

	feed := newFeedHub(in.stats)
	in.analyzer.setFeed(feed)
	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.CtrlInterface.ListenHost, strconv.Itoa(cfg.CtrlInterface.ListenPort)),
		Handler: newCtrlServer(in.analyzer, in.stats, feed).SetupMux(),
	}

	handleSignal(os.Interrupt, func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer done()
		feed.closeAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", slog.Any("error", err))
		}
		cancel()
	})

	go func() {
		handleErr("dispatch loop finished with error", in.analyzer.run(ctx))
	}()

	slog.Info("serving control interface until SIGINT", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-ctx.Done()
	return nil
}

func runDecoders(cmd *cobra.Command, args []string) {
	catalog := builtinCatalog()
	out := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(out, "ID\tINPUT\tOUTPUT\tOPTIONS\tDESCRIPTION")
	for _, d := range catalog.descriptors() {
		dec, _ := catalog.lookup(d.ID)
		fmt.Fprintf(out, "%s\t%s\t%s\t%v\t%s\n", d.ID, d.Input, d.Output, dec.Options().snapshot(), d.Description)
	}
	out.Flush()
}

func handleErr(msg string, err error) {
	if err != nil {
		slog.Error(msg, slog.Any("error", err))
		os.Exit(-1)
	}
}

func handleSignal(sig os.Signal, handleFn func()) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, sig)

	go func() {
		<-signalChan
		slog.Info("received an interrupt, calling handler")
		handleFn()
	}()
}
