package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zoobzio/spandump"
)

const (
	keyWorkers  = "workers"
	keyDepth    = "depth"
	keyInterval = "interval"
	keyRounds   = "rounds"
	keyFormat   = "format"
	keyMaxNodes = "max-nodes"
	keyMaxDepth = "max-depth"
	keyStall    = "stall-after"
	keyOtel     = "otel"
	keyExport   = "otel-export"
)

func demoFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	fs.Int(keyWorkers, 4, "Number of concurrent tasks")
	fs.Int(keyDepth, 3, "Nesting depth of each task's spans")
	fs.Duration(keyInterval, time.Second, "Time between dumps")
	fs.Int(keyRounds, 3, "Number of dumps before the workload is released")
	fs.String(keyFormat, "text", "Dump format: text or json")
	fs.Int(keyMaxNodes, 0, "Stop a dump after this many spans (0 = unlimited)")
	fs.Int(keyMaxDepth, 0, "Stop a dump below this depth (0 = unlimited)")
	fs.Duration(keyStall, 0, "Log idle spans older than this (0 = off)")
	fs.Bool(keyOtel, false, "Drive the workload through an OpenTelemetry tracer")
	fs.Bool(keyExport, false, "With --otel, also print ended otel spans to stderr")
	return fs
}

func newDemoCmd(vp *viper.Viper) *cobra.Command {
	demo := &cobra.Command{
		Use:   "demo",
		Short: "Run a synthetic workload with parked tasks and dump its live spans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			s := demoSettingsFrom(vp)
			if s.otelExport {
				s.exportTo = cmd.ErrOrStderr()
			}
			return runDemo(ctx, cmd.OutOrStdout(), s)
		},
	}
	demo.Flags().AddFlagSet(demoFlags())
	return demo
}

type demoSettings struct {
	exportTo   io.Writer
	format     string
	interval   time.Duration
	stallAfter time.Duration
	workers    int
	depth      int
	rounds     int
	maxNodes   int
	maxDepth   int
	otel       bool
	otelExport bool
}

func demoSettingsFrom(vp *viper.Viper) demoSettings {
	return demoSettings{
		workers:    vp.GetInt(keyWorkers),
		depth:      vp.GetInt(keyDepth),
		interval:   vp.GetDuration(keyInterval),
		rounds:     vp.GetInt(keyRounds),
		format:     vp.GetString(keyFormat),
		maxNodes:   vp.GetInt(keyMaxNodes),
		maxDepth:   vp.GetInt(keyMaxDepth),
		stallAfter: vp.GetDuration(keyStall),
		otel:       vp.GetBool(keyOtel),
		otelExport: vp.GetBool(keyExport),
	}
}

func runDemo(ctx context.Context, out io.Writer, s demoSettings) error {
	if s.format != "text" && s.format != "json" {
		return fmt.Errorf("unknown format %q", s.format)
	}

	reg := spandump.New()
	defer reg.Detach()

	watcher := spandump.NewWatcher(reg, 0, max(s.rounds, 1),
		spandump.WatchWith(spandump.MaxNodes(s.maxNodes), spandump.MaxDepth(s.maxDepth)),
		spandump.StallAfter(s.stallAfter),
	)
	defer watcher.Stop()

	run := func(worker int, release <-chan struct{}) { task(ctx, reg, worker, s.depth, release) }
	if s.otel {
		tp, err := newTracerProvider(reg, s.exportTo)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logrus.WithError(err).Warn("tracer provider shutdown failed")
			}
		}()
		tracer := tp.Tracer("demo.worker")
		run = func(worker int, release <-chan struct{}) { otelTask(ctx, tracer, worker, s.depth, release) }
	}

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			run(worker, release)
		}(i)
	}

	for round := 1; round <= s.rounds; round++ {
		select {
		case <-ctx.Done():
			close(release)
			wg.Wait()
			return nil
		case <-time.After(s.interval):
		}
		forest := watcher.Tick()
		if err := printForest(out, s.format, round, forest); err != nil {
			return err
		}
	}

	close(release)
	wg.Wait()

	stats := reg.Stats()
	logrus.WithFields(logrus.Fields{
		"created":         stats.Created,
		"closed":          stats.Closed,
		"live":            stats.Live,
		"inconsistencies": stats.Inconsistencies,
		"dumps":           stats.Dumps,
	}).Info("demo finished")
	return printForest(out, s.format, s.rounds+1, reg.Dump())
}

// task builds a chain of nested spans. Even workers park inside their
// innermost span while idle, odd workers park while entered.
func task(ctx context.Context, reg *spandump.Registry, worker, depth int, release <-chan struct{}) {
	if depth <= 0 {
		parked := worker%2 == 1
		ctx, span := reg.Start(ctx, "demo.worker", "park", spandump.Bool("entered", parked))
		defer span.Close()
		if parked {
			span.Run(func() { wait(ctx, release) })
			return
		}
		wait(ctx, release)
		return
	}

	_ = reg.Instrument(ctx, "demo.worker", fmt.Sprintf("level-%d", depth), func(ctx context.Context) error {
		span := spandump.SpanFromContext(ctx)
		_ = span.SetField("worker", worker)
		_ = span.SetField("jitter_ms", rand.IntN(10))
		// Leave the span idle while the next level runs, as an async task would.
		_ = span.Exit()
		task(ctx, reg, worker, depth-1, release)
		return span.Enter()
	})
}

func wait(ctx context.Context, release <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-release:
	}
}

func printForest(out io.Writer, format string, round int, forest *spandump.Forest) error {
	if format == "json" {
		return forest.WriteJSON(out)
	}
	if _, err := fmt.Fprintf(out, "=== dump %d at %s: %d spans\n", round, forest.TakenAt.Format(time.TimeOnly), forest.Count); err != nil {
		return err
	}
	return forest.WriteText(out)
}
