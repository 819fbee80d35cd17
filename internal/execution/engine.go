// Package execution runs generated switching paths and turns their outcome
// into an ExecutionResult, delegating failure bookkeeping to a failure handler.
package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/metrics"
	"github.com/AaronLay10/SorterEngine/internal/path"
)

// PathExecutor runs a whole path against hardware or a simulation. A non-nil
// error means the run did not produce an outcome (cancellation or fault).
type PathExecutor interface {
	Execute(ctx context.Context, p path.SwitchingPath) (path.ExecutionResult, error)
}

// FailureHandler receives every failed execution. *failure.Handler implements it.
type FailureHandler interface {
	// HandleSegmentFailure returns a reroute plan to the original target when
	// one could be proven safe.
	HandleSegmentFailure(ctx context.Context, parcelID string, original path.SwitchingPath, failed path.Segment, f path.Failure) (path.SwitchingPath, bool)
	HandlePathFailure(ctx context.Context, parcelID string, original path.SwitchingPath, f path.Failure)
}

// Engine executes paths through an injected PathExecutor.
type Engine struct {
	executor        PathExecutor
	failures        FailureHandler
	executeReroutes bool
	logger          *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRerouteExecution makes the engine run a reroute plan returned by the
// failure handler instead of only reporting it.
func WithRerouteExecution(enabled bool) EngineOption {
	return func(e *Engine) {
		e.executeReroutes = enabled
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a path execution engine.
func NewEngine(executor PathExecutor, failures FailureHandler, opts ...EngineOption) *Engine {
	e := &Engine{
		executor: executor,
		failures: failures,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecutePath runs p for a parcel. The result is always populated: on any
// failure ActualChuteID is the path's fallback chute. The error is non-nil
// only when ctx was cancelled by the caller.
func (e *Engine) ExecutePath(ctx context.Context, parcelID string, p path.SwitchingPath) (res path.ExecutionResult, err error) {
	start := time.Now()
	log := e.logger.With(zap.String("parcel_id", parcelID), zap.Int64("target_chute", p.TargetChuteID))

	defer func() {
		if r := recover(); r != nil {
			f := path.Failure{Message: fmt.Sprintf("path execution fault: %v", r)}
			log.Error("path executor panicked", zap.Any("panic", r))
			res = e.fail(context.WithoutCancel(ctx), parcelID, p, f, time.Since(start))
			err = nil
		}
	}()

	result, execErr := e.executor.Execute(ctx, p)
	elapsed := time.Since(start)

	if execErr != nil {
		if ctx.Err() != nil {
			f := path.Failure{Message: fmt.Sprintf("path execution cancelled: %v", ctx.Err())}
			log.Warn("path execution cancelled", zap.Error(ctx.Err()))
			return e.fail(context.WithoutCancel(ctx), parcelID, p, f, elapsed), ctx.Err()
		}
		f := path.Failure{
			Reason:  path.Classify(execErr),
			Message: fmt.Sprintf("path execution fault: %v", execErr),
		}
		log.Error("path execution fault", zap.Error(execErr))
		return e.fail(ctx, parcelID, p, f, elapsed), nil
	}

	if result.IsSuccess() {
		if result.ActualChuteID != p.TargetChuteID {
			return e.misrouted(ctx, parcelID, p, result.ActualChuteID, elapsed), nil
		}
		metrics.RecordPathSuccess(elapsed)
		events.Emit("info", "path.executed", "", map[string]interface{}{
			"parcel_id":   parcelID,
			"chute_id":    p.TargetChuteID,
			"segments":    len(p.Segments),
			"duration_ms": elapsed.Milliseconds(),
		})
		log.Debug("path executed", zap.Duration("duration", elapsed))
		return path.Succeeded(p, elapsed), nil
	}

	f := *result.Failure
	if f.Segment == nil {
		return e.fail(ctx, parcelID, p, f, elapsed), nil
	}

	plan, rerouted := e.failures.HandleSegmentFailure(ctx, parcelID, p, *f.Segment, f)
	if !rerouted {
		e.recordFailure(f, elapsed)
		return path.Failed(p, f, elapsed), nil
	}
	if e.executeReroutes {
		return e.executeReroute(ctx, parcelID, p, plan, f, start)
	}
	// The plan is only reported; the parcel still leaves through the fallback chute.
	log.Info("reroute plan not executed", zap.Int64s("plan_diverters", plan.DiverterIDs()))
	return e.fail(ctx, parcelID, p, f, elapsed), nil
}

// executeReroute runs a reroute plan once. A second failure is not rerouted again.
func (e *Engine) executeReroute(ctx context.Context, parcelID string, original, plan path.SwitchingPath, first path.Failure, start time.Time) (path.ExecutionResult, error) {
	result, err := e.executor.Execute(ctx, plan)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			f := path.Failure{Message: fmt.Sprintf("reroute execution cancelled: %v", ctx.Err())}
			return e.fail(context.WithoutCancel(ctx), parcelID, original, f, elapsed), ctx.Err()
		}
		f := path.Failure{Reason: path.Classify(err), Message: fmt.Sprintf("reroute execution fault: %v", err)}
		return e.fail(ctx, parcelID, original, f, elapsed), nil
	}
	if result.IsSuccess() {
		if result.ActualChuteID != original.TargetChuteID {
			return e.misrouted(ctx, parcelID, original, result.ActualChuteID, elapsed), nil
		}
		metrics.RecordPathSuccess(elapsed)
		events.Emit("info", "path.executed", "executed after reroute", map[string]interface{}{
			"parcel_id":      parcelID,
			"chute_id":       original.TargetChuteID,
			"rerouted":       true,
			"initial_reason": first.ReasonOrParsed().String(),
			"duration_ms":    elapsed.Milliseconds(),
		})
		return path.Succeeded(original, elapsed), nil
	}
	f := *result.Failure
	f.Segment = nil
	return e.fail(ctx, parcelID, original, f, elapsed), nil
}

// fail reports a whole-path failure and builds the fallback result.
func (e *Engine) fail(ctx context.Context, parcelID string, p path.SwitchingPath, f path.Failure, elapsed time.Duration) path.ExecutionResult {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	e.failures.HandlePathFailure(ctx, parcelID, p, f)
	e.recordFailure(f, elapsed)
	return path.Failed(p, f, elapsed)
}

func (e *Engine) misrouted(ctx context.Context, parcelID string, p path.SwitchingPath, reported int64, elapsed time.Duration) path.ExecutionResult {
	msg := fmt.Sprintf("consistency violation: executor reported chute %d for target %d", reported, p.TargetChuteID)
	e.logger.Error("CRITICAL: misroute detected",
		zap.String("parcel_id", parcelID),
		zap.Int64("target_chute", p.TargetChuteID),
		zap.Int64("reported_chute", reported))
	metrics.RecordMisroute()
	events.Emit("error", "path.misrouted", msg, map[string]interface{}{
		"parcel_id":      parcelID,
		"target_chute":   p.TargetChuteID,
		"reported_chute": reported,
	})
	return e.fail(ctx, parcelID, p, path.Failure{Message: msg}, elapsed)
}

func (e *Engine) recordFailure(f path.Failure, elapsed time.Duration) {
	metrics.RecordPathFailure(f.ReasonOrParsed().String(), elapsed)
}
