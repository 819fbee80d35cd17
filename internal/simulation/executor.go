// Package simulation runs the sorting core without hardware: a simulated
// path executor, a simulated upstream and a scenario runner.
package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/path"
)

// ExecutorOptions tunes the simulated line.
type ExecutorOptions struct {
	// SegmentLatency is how long each diverter takes to act.
	SegmentLatency time.Duration
	// FailureRate is the chance a segment fails with a diverter fault or a
	// missed deadline.
	FailureRate float64
	// DropoutRate is the chance a parcel falls off the belt at a segment.
	DropoutRate float64
	// FaultyDiverters always fail with the given reason.
	FaultyDiverters map[int64]path.FailureReason
	// MisSorts maps a target chute to the chute a successful run reports
	// instead, as a miswired diverter would.
	MisSorts map[int64]int64
	Seed     int64
}

// Executor is a simulated path executor. Failures are typed at the source.
type Executor struct {
	opts ExecutorOptions

	mu  sync.Mutex
	rnd *rand.Rand

	misreported atomic.Int64
}

// NewExecutor creates a simulated executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Executor{opts: opts, rnd: rand.New(rand.NewSource(seed))}
}

// Execute walks the segments, sleeping SegmentLatency per segment, and stops
// at the first injected failure.
func (e *Executor) Execute(ctx context.Context, p path.SwitchingPath) (path.ExecutionResult, error) {
	start := time.Now()
	if len(p.Segments) == 0 {
		return path.Failed(p, path.Failure{
			Reason:  path.ReasonPhysicalConstraint,
			Message: "path has no segments",
			At:      time.Now(),
		}, time.Since(start)), nil
	}

	for i := range p.Segments {
		seg := p.Segments[i]
		if e.opts.SegmentLatency > 0 {
			timer := time.NewTimer(e.opts.SegmentLatency)
			select {
			case <-ctx.Done():
				timer.Stop()
				return path.ExecutionResult{}, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return path.ExecutionResult{}, err
		}

		if f, failed := e.fault(seg); failed {
			f.Segment = &seg
			f.At = time.Now()
			return path.Failed(p, f, time.Since(start)), nil
		}
	}
	res := path.Succeeded(p, time.Since(start))
	if wrong, ok := e.opts.MisSorts[p.TargetChuteID]; ok && wrong != p.TargetChuteID {
		res.ActualChuteID = wrong
		e.misreported.Add(1)
	}
	return res, nil
}

// Misreported counts successful runs that reported a MisSorts chute.
func (e *Executor) Misreported() int64 {
	return e.misreported.Load()
}

func (e *Executor) fault(seg path.Segment) (path.Failure, bool) {
	if reason, ok := e.opts.FaultyDiverters[seg.DiverterID]; ok {
		return path.Failure{
			Reason:  reason,
			Message: fmt.Sprintf("diverter %d is faulty", seg.DiverterID),
		}, true
	}

	e.mu.Lock()
	roll := e.rnd.Float64()
	timeout := e.rnd.Intn(2) == 0
	e.mu.Unlock()

	switch {
	case roll < e.opts.DropoutRate:
		return path.Failure{
			Reason:  path.ReasonParcelDropout,
			Message: fmt.Sprintf("parcel lost before diverter %d", seg.DiverterID),
		}, true
	case roll < e.opts.DropoutRate+e.opts.FailureRate:
		if timeout {
			return path.Failure{
				Reason:  path.ReasonTTLExpired,
				Message: fmt.Sprintf("diverter %d missed its %s deadline", seg.DiverterID, seg.TTL),
			}, true
		}
		return path.Failure{
			Reason:  path.ReasonDiverterFault,
			Message: fmt.Sprintf("diverter %d did not move", seg.DiverterID),
		}, true
	}
	return path.Failure{}, false
}
