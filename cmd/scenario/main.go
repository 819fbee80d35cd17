// Command scenario sorts simulated parcels through the routing core and
// prints a JSON summary. It exits non-zero when any parcel was mis-sorted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/logging"
	"github.com/AaronLay10/SorterEngine/internal/orchestrator"
	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/simulation"
	"github.com/AaronLay10/SorterEngine/internal/topology"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "scenario: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		opts          simulation.RunOptions
		topoPath      string
		mode          string
		logLevel      string
		faulty        []int64
		misSortTarget int64
		misSortReport int64
		verbose       bool
		withResult    bool
	)
	pflag.StringVar(&topoPath, "topology", "config/topology.yaml", "route table file")
	pflag.IntVar(&opts.Parcels, "parcels", 100, "parcels to sort")
	pflag.IntVar(&opts.Concurrency, "concurrency", 4, "parcels in flight at once")
	pflag.DurationVar(&opts.ReleaseInterval, "interval", 0, "time between inductions")
	pflag.StringVar(&mode, "mode", string(orchestrator.ModeRoundRobin), "sorting mode (fixed, round_robin, upstream)")
	pflag.Int64Var(&opts.FixedChute, "fixed-chute", 1, "target chute in fixed mode")
	pflag.DurationVar(&opts.UpstreamTimeout, "upstream-timeout", 0, "wait for an upstream assignment")
	pflag.BoolVar(&opts.RerouteExecute, "reroute-execute", false, "execute accepted reroute plans")
	pflag.DurationVar(&opts.Executor.SegmentLatency, "segment-latency", 0, "simulated diverter latency")
	pflag.Float64Var(&opts.Executor.FailureRate, "fail-rate", 0, "chance a segment fails")
	pflag.Float64Var(&opts.Executor.DropoutRate, "dropout-rate", 0, "chance a parcel falls off the belt")
	pflag.Int64SliceVar(&faulty, "faulty", nil, "diverters that always fault")
	pflag.Int64Var(&misSortTarget, "mis-sort-target", 0, "target chute whose runs report a wrong chute")
	pflag.Int64Var(&misSortReport, "mis-sort-report", 0, "wrong chute reported for --mis-sort-target")
	pflag.DurationVar(&opts.Upstream.Delay, "upstream-delay", 0, "simulated upstream latency")
	pflag.Float64Var(&opts.Upstream.DropRate, "upstream-drop-rate", 0, "chance upstream never answers")
	pflag.Float64Var(&opts.Upstream.DuplicateRate, "upstream-duplicate-rate", 0, "chance upstream answers twice")
	seed := pflag.Int64("seed", 1, "random seed")
	pflag.StringVar(&logLevel, "log-level", "warn", "log level")
	pflag.BoolVar(&verbose, "dev", false, "human-readable development logging")
	pflag.BoolVar(&withResult, "results", false, "include every sorting result in the summary")
	pflag.Parse()

	logger, err := logging.New(logLevel, verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m, err := orchestrator.ParseMode(mode)
	if err != nil {
		return err
	}
	opts.Mode = m
	opts.Executor.Seed = *seed
	opts.Upstream.Seed = *seed
	if len(faulty) > 0 {
		opts.Executor.FaultyDiverters = make(map[int64]path.FailureReason, len(faulty))
		for _, id := range faulty {
			opts.Executor.FaultyDiverters[id] = path.ReasonDiverterFault
		}
	}

	if misSortTarget > 0 {
		if misSortReport <= 0 {
			return fmt.Errorf("--mis-sort-target requires --mis-sort-report")
		}
		opts.Executor.MisSorts = map[int64]int64{misSortTarget: misSortReport}
	}

	topo, err := topology.Load(topoPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", topoPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := simulation.NewRunner(topo, logger).Run(ctx, opts)
	if !withResult {
		summary.Results = nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	if runErr != nil {
		logger.Error("scenario failed", zap.Error(runErr), zap.Int("mis_sorts", summary.MisSorts))
	}
	return runErr
}
