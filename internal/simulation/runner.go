package simulation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AaronLay10/SorterEngine/internal/execution"
	"github.com/AaronLay10/SorterEngine/internal/failure"
	"github.com/AaronLay10/SorterEngine/internal/orchestrator"
	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/reroute"
)

// Topology is the route table a scenario runs against. *topology.Topology
// implements it.
type Topology interface {
	path.Generator
	reroute.RouteRepository
	ExceptionChute() int64
	ChuteIDs() []int64
}

// RunOptions configures one scenario run. Every run gets its own options;
// nothing is shared between runs.
type RunOptions struct {
	Parcels int
	// ReleaseInterval spaces parcel inductions. Zero releases them as fast
	// as Concurrency allows.
	ReleaseInterval time.Duration
	// Concurrency caps parcels in flight. Zero means 1.
	Concurrency     int
	Mode            orchestrator.Mode
	FixedChute      int64
	UpstreamTimeout time.Duration
	RerouteExecute  bool
	FirstParcelID   int64
	Upstream        UpstreamOptions
	Executor        ExecutorOptions
}

// Summary describes a finished run. MisSortsCaught counts wrong-chute
// reports injected by the simulated line; each must end as a failure.
type Summary struct {
	RunID          string               `json:"run_id"`
	Mode           string               `json:"mode"`
	Parcels        int                  `json:"parcels"`
	Succeeded      int                  `json:"succeeded"`
	Exceptions     int                  `json:"exceptions"`
	Failed         int                  `json:"failed"`
	Rejected       int                  `json:"rejected"`
	MisSorts       int                  `json:"mis_sorts"`
	MisSortsCaught int64                `json:"mis_sorts_caught"`
	MaxConcurrency int64                `json:"max_concurrency"`
	Elapsed        time.Duration        `json:"elapsed_ns"`
	Results        []path.SortingResult `json:"results,omitempty"`
}

// Runner runs scenarios against a topology.
type Runner struct {
	topo   Topology
	logger *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(topo Topology, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{topo: topo, logger: logger}
}

// Run sorts opts.Parcels simulated parcels. It returns an error when the
// run was cancelled or any parcel was mis-sorted; the summary is filled in
// either way.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	if opts.Parcels <= 0 {
		return Summary{}, fmt.Errorf("parcels must be positive, got %d", opts.Parcels)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Mode == "" {
		opts.Mode = orchestrator.ModeRoundRobin
	}
	if opts.FirstParcelID <= 0 {
		opts.FirstParcelID = 1
	}

	exceptionChute := r.topo.ExceptionChute()
	chutes := sortableChutes(r.topo.ChuteIDs(), exceptionChute)
	if len(opts.Upstream.Chutes) == 0 {
		opts.Upstream.Chutes = chutes
	}

	runID := uuid.NewString()
	log := r.logger.With(zap.String("run_id", runID), zap.String("mode", string(opts.Mode)))

	controls := orchestrator.NewControls(opts.Mode, opts.FixedChute, chutes)
	up := NewUpstream(opts.Upstream)
	planner := reroute.NewPlanner(r.topo, reroute.WithLogger(log))
	handler := failure.NewHandler(r.topo, planner, log)
	simulated := NewExecutor(opts.Executor)
	engine := execution.NewEngine(simulated, handler,
		execution.WithRerouteExecution(opts.RerouteExecute),
		execution.WithEngineLogger(log))

	coord, err := orchestrator.NewCoordinator(orchestrator.Config{
		ExceptionChuteID: exceptionChute,
		UpstreamTimeout:  opts.UpstreamTimeout,
	}, orchestrator.Dependencies{
		Controls:   controls,
		Upstream:   up,
		Generator:  r.topo,
		Exceptions: handler,
		Engine:     engine,
		Logger:     log,
	})
	if err != nil {
		return Summary{}, err
	}
	defer coord.Close()
	defer up.Close()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.ReleaseInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.ReleaseInterval), 1)
	}

	var (
		mu      sync.Mutex
		results = make([]path.SortingResult, 0, opts.Parcels)
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	log.Info("scenario started", zap.Int("parcels", opts.Parcels), zap.Int("concurrency", opts.Concurrency))
	for i := 0; i < opts.Parcels; i++ {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		parcelID := opts.FirstParcelID + int64(i)
		g.Go(func() error {
			res, err := coord.ProcessParcel(gctx, parcelID, "sim-"+strconv.Itoa(int(parcelID%4)))
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return err
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].ParcelID, results[j].ParcelID
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	_, peak := coord.Concurrency()
	sum := Summary{
		RunID:          runID,
		Mode:           string(opts.Mode),
		Parcels:        len(results),
		MaxConcurrency: peak,
		MisSortsCaught: simulated.Misreported(),
		Elapsed:        time.Since(start),
		Results:        results,
	}
	for _, res := range results {
		switch res.Outcome() {
		case "success":
			sum.Succeeded++
		case "exception":
			sum.Exceptions++
		case "rejected":
			sum.Rejected++
		default:
			sum.Failed++
		}
		if misSorted(res, exceptionChute, up) {
			sum.MisSorts++
			log.Error("CRITICAL: parcel mis-sorted",
				zap.String("parcel_id", res.ParcelID),
				zap.Int64("target", res.TargetChuteID),
				zap.Int64("actual", res.ActualChuteID))
		}
	}

	log.Info("scenario finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("exceptions", sum.Exceptions),
		zap.Int("failed", sum.Failed),
		zap.Int("mis_sorts", sum.MisSorts),
		zap.Int64("mis_sorts_caught", sum.MisSortsCaught),
		zap.Int64("max_concurrency", sum.MaxConcurrency),
		zap.Duration("elapsed", sum.Elapsed))

	if runErr != nil {
		return sum, fmt.Errorf("scenario %s interrupted: %w", runID, runErr)
	}
	if sum.MisSorts > 0 {
		return sum, fmt.Errorf("scenario %s: %d parcels mis-sorted", runID, sum.MisSorts)
	}
	return sum, nil
}

// misSorted reports whether a parcel reached a chute it was not meant for.
// The exception chute is always a safe destination.
func misSorted(res path.SortingResult, exceptionChute int64, up *Upstream) bool {
	if res.Rejected || res.ActualChuteID == 0 || res.ActualChuteID == exceptionChute {
		return false
	}
	if res.ActualChuteID != res.TargetChuteID {
		return true
	}
	if res.Mode == string(orchestrator.ModeUpstream) && !res.Exception {
		id, err := strconv.ParseInt(res.ParcelID, 10, 64)
		if err != nil {
			return true
		}
		if assigned, ok := up.AssignedChute(id); ok && assigned != res.TargetChuteID {
			return true
		}
	}
	return false
}

func sortableChutes(all []int64, exceptionChute int64) []int64 {
	out := make([]int64, 0, len(all))
	for _, id := range all {
		if id != exceptionChute {
			out = append(out, id)
		}
	}
	return out
}
