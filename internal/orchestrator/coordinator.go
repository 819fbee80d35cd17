package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/metrics"
	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/upstream"
)

const (
	DefaultUpstreamTimeout = 5 * time.Second
	DefaultResultTTL       = 5 * time.Minute
	storeTimeout           = 2 * time.Second
)

// DebugIDPrefix marks manual sorts so their ids never collide with detected
// parcels in the result cache or in upstream correlation.
const DebugIDPrefix = "debug:"

// ErrDuplicateParcel is reported when a parcel id is already in flight.
var ErrDuplicateParcel = errors.New("parcel already in flight")

// PathExecutor executes a generated path. *execution.Engine implements it.
type PathExecutor interface {
	ExecutePath(ctx context.Context, parcelID string, p path.SwitchingPath) (path.ExecutionResult, error)
}

// ExceptionPlanner plans a path to the exception chute. *failure.Handler implements it.
type ExceptionPlanner interface {
	ExceptionPath(ctx context.Context, exceptionChuteID int64) (path.SwitchingPath, error)
}

// ResultStore persists sorting results.
type ResultStore interface {
	SaveResult(ctx context.Context, r path.SortingResult) error
}

// Config holds coordinator settings.
type Config struct {
	ExceptionChuteID int64
	// UpstreamTimeout bounds the wait for a chute assignment.
	UpstreamTimeout time.Duration
	// ResultTTL is how long completed results stay queryable.
	ResultTTL time.Duration
}

// Dependencies are the collaborators of a Coordinator. Upstream is only
// required in upstream mode and Store is optional.
type Dependencies struct {
	Controls   ModeProvider
	Upstream   upstream.Client
	Generator  path.Generator
	Exceptions ExceptionPlanner
	Engine     PathExecutor
	Store      ResultStore
	Logger     *zap.Logger
}

// Coordinator is the Parcel Routing Coordinator. It owns every parcel from
// detection to its SortingResult.
type Coordinator struct {
	cfg        Config
	controls   ModeProvider
	upstream   upstream.Client
	generator  path.Generator
	exceptions ExceptionPlanner
	engine     PathExecutor
	store      ResultStore
	logger     *zap.Logger

	pending     *pendingAssignments
	results     *ttlcache.Cache[string, path.SortingResult]
	unsubscribe func()
	closeOnce   sync.Once

	rrCursor  atomic.Uint64
	active    atomic.Int64
	maxActive atomic.Int64
}

// NewCoordinator wires a coordinator and subscribes it to upstream
// assignments. Call Close to release it.
func NewCoordinator(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Controls == nil || deps.Generator == nil || deps.Exceptions == nil || deps.Engine == nil {
		return nil, errors.New("coordinator: controls, generator, exceptions and engine are required")
	}
	if cfg.ExceptionChuteID <= 0 {
		return nil, fmt.Errorf("coordinator: invalid exception chute %d", cfg.ExceptionChuteID)
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		cfg:        cfg,
		controls:   deps.Controls,
		upstream:   deps.Upstream,
		generator:  deps.Generator,
		exceptions: deps.Exceptions,
		engine:     deps.Engine,
		store:      deps.Store,
		logger:     logger,
		pending:    newPendingAssignments(),
		results: ttlcache.New[string, path.SortingResult](
			ttlcache.WithTTL[string, path.SortingResult](cfg.ResultTTL),
			ttlcache.WithDisableTouchOnHit[string, path.SortingResult](),
		),
	}
	go c.results.Start()

	if c.upstream != nil {
		c.unsubscribe = c.upstream.OnChuteAssigned(c.OnChuteAssigned)
	}
	return c, nil
}

// Close unsubscribes from upstream and stops result expiry. Safe to call
// more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.results.Stop()
	})
}

// ProcessParcel routes one detected parcel and returns its result. The
// error is non-nil only when ctx was cancelled by the caller; the result is
// still populated in that case.
func (c *Coordinator) ProcessParcel(ctx context.Context, parcelID int64, sensorID string) (path.SortingResult, error) {
	start := time.Now()
	id := strconv.FormatInt(parcelID, 10)
	mode := c.controls.Mode()
	log := c.logger.With(zap.String("parcel_id", id), zap.String("mode", string(mode)))

	if state := c.controls.State(); state != StateRunning {
		return c.reject(id, sensorID, mode, fmt.Sprintf("parcel rejected: system state is %s", state), start), nil
	}

	// The record must exist before upstream is notified: an assignment may
	// arrive before Send returns.
	rec, ok := c.pending.register(id, sensorID)
	if !ok {
		log.Warn("duplicate parcel id")
		return c.reject(id, sensorID, mode, fmt.Sprintf("parcel %s: %v", id, ErrDuplicateParcel), start), nil
	}
	defer c.pending.remove(id, rec)

	c.enter()
	defer c.leave()

	events.Emit("info", "parcel.detected", "", map[string]interface{}{
		"parcel_id": id,
		"sensor_id": sensorID,
		"mode":      string(mode),
	})

	target, exceptionReason, err := c.resolveTarget(ctx, parcelID, rec, mode)
	if err != nil {
		log.Warn("parcel cancelled while resolving chute", zap.Error(err))
		res := path.SortingResult{
			ParcelID:      id,
			FailureReason: fmt.Sprintf("cancelled while resolving chute: %v", err),
		}
		rec.setState(ParcelFailed, 0)
		return c.finish(res, sensorID, mode, start), err
	}

	fields := map[string]interface{}{
		"parcel_id": id,
		"chute_id":  target,
	}
	if exceptionReason != "" {
		fields["exception_reason"] = exceptionReason
	}
	events.Emit("info", "parcel.routed", "", fields)

	res, err := c.route(ctx, id, rec, target, exceptionReason)
	rec.setState(terminalState(res), 0)
	return c.finish(res, sensorID, mode, start), err
}

func terminalState(res path.SortingResult) ParcelState {
	if res.Success && res.ActualChuteID == res.TargetChuteID {
		return ParcelCompleted
	}
	return ParcelFailed
}

// DebugSort routes a parcel with an explicit id to an explicit chute,
// bypassing mode resolution and upstream correlation. The id is stored
// under DebugIDPrefix.
func (c *Coordinator) DebugSort(ctx context.Context, parcelID string, chuteID int64) (path.SortingResult, error) {
	start := time.Now()
	if !strings.HasPrefix(parcelID, DebugIDPrefix) {
		parcelID = DebugIDPrefix + parcelID
	}
	if chuteID <= 0 {
		return path.SortingResult{}, fmt.Errorf("invalid chute %d", chuteID)
	}
	if state := c.controls.State(); state == StateEmergencyStop {
		return c.reject(parcelID, "", "debug", "debug sort rejected: emergency stop", start), nil
	}
	events.Emit("info", "operator.debug", "", map[string]interface{}{
		"parcel_id": parcelID,
		"chute_id":  chuteID,
	})

	c.enter()
	defer c.leave()

	res, err := c.route(ctx, parcelID, nil, chuteID, "")
	return c.finish(res, "", "debug", start), err
}

// resolveTarget returns the chute to plan for. A non-empty exceptionReason
// means the exception chute replaced an unresolvable target.
func (c *Coordinator) resolveTarget(ctx context.Context, parcelID int64, rec *inflightParcel, mode Mode) (int64, string, error) {
	switch mode {
	case ModeFixed:
		if chute := c.controls.FixedChute(); chute > 0 {
			return chute, "", nil
		}
		return c.cfg.ExceptionChuteID, "fixed chute not configured", nil

	case ModeRoundRobin:
		chutes := c.controls.RoundRobinChutes()
		if len(chutes) == 0 {
			return c.cfg.ExceptionChuteID, "round-robin chute list is empty", nil
		}
		next := c.rrCursor.Add(1) - 1
		return chutes[next%uint64(len(chutes))], "", nil

	case ModeUpstream:
		return c.awaitAssignment(ctx, parcelID, rec)
	}
	return c.cfg.ExceptionChuteID, fmt.Sprintf("unknown sorting mode %q", mode), nil
}

func (c *Coordinator) awaitAssignment(ctx context.Context, parcelID int64, rec *inflightParcel) (int64, string, error) {
	id := rec.id
	if c.upstream == nil {
		return c.cfg.ExceptionChuteID, "upstream client not configured", nil
	}

	rec.setState(ParcelAwaitingChute, 0)
	ok, err := c.upstream.Send(ctx, upstream.ParcelDetected{
		ParcelID:   parcelID,
		SensorID:   rec.sensorID,
		DetectedAt: rec.detectedAt,
	})
	if ctx.Err() != nil {
		return 0, "", ctx.Err()
	}
	if err != nil || !ok {
		reason := "upstream notification not acknowledged"
		if err != nil {
			reason = fmt.Sprintf("upstream notification failed: %v", err)
		}
		events.Emit("warn", "upstream.send_failed", reason, map[string]interface{}{"parcel_id": id})
		return c.cfg.ExceptionChuteID, reason, nil
	}
	events.Emit("info", "upstream.notified", "", map[string]interface{}{"parcel_id": id})

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	select {
	case a := <-rec.assigned:
		if a.ChuteID <= 0 {
			reason := fmt.Sprintf("upstream assigned invalid chute %d", a.ChuteID)
			return c.cfg.ExceptionChuteID, reason, nil
		}
		return a.ChuteID, "", nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		reason := fmt.Sprintf("no chute assignment within %s", c.cfg.UpstreamTimeout)
		events.Emit("warn", "upstream.timeout", reason, map[string]interface{}{"parcel_id": id})
		return c.cfg.ExceptionChuteID, reason, nil
	}
}

// route plans and executes the path to target. rec is nil for debug sorts.
func (c *Coordinator) route(ctx context.Context, id string, rec *inflightParcel, target int64, exceptionReason string) (path.SortingResult, error) {
	res := path.SortingResult{
		ParcelID:        id,
		TargetChuteID:   target,
		Exception:       exceptionReason != "",
		ExceptionReason: exceptionReason,
	}
	if rec != nil {
		rec.setState(ParcelRouting, target)
	}

	p, genErr := c.generate(ctx, target)
	if genErr != nil {
		if ctx.Err() != nil {
			res.FailureReason = fmt.Sprintf("cancelled while planning chute %d: %v", target, ctx.Err())
			return res, ctx.Err()
		}
		events.Emit("warn", "path.generation_failed", genErr.Error(), map[string]interface{}{
			"parcel_id": id,
			"chute_id":  target,
		})

		ep, err := c.exceptions.ExceptionPath(ctx, c.cfg.ExceptionChuteID)
		if err != nil {
			res.FailureReason = fmt.Sprintf(
				"no path to chute %d (%v) and the exception chute %d is unreachable: %v",
				target, genErr, c.cfg.ExceptionChuteID, err)
			c.logger.Error("parcel cannot be routed", zap.String("parcel_id", id), zap.String("reason", res.FailureReason))
			events.Emit("error", "system.error", "exception chute unreachable", map[string]interface{}{
				"parcel_id": id,
				"chute_id":  c.cfg.ExceptionChuteID,
				"error":     err.Error(),
			})
			return res, nil
		}
		res.FailureReason = fmt.Sprintf("no path to chute %d: %v", target, genErr)
		p = ep
	} else {
		events.Emit("info", "path.generated", "", map[string]interface{}{
			"parcel_id": id,
			"chute_id":  target,
			"diverters": p.DiverterIDs(),
		})
	}

	if rec != nil {
		rec.setState(ParcelExecuting, 0)
	}
	exec, err := c.engine.ExecutePath(ctx, id, p)
	res.ActualChuteID = exec.ActualChuteID

	switch {
	case genErr != nil:
		// The parcel was sent to the exception chute on purpose; it never
		// counts as a success for its original target.
		if exec.Failure != nil {
			res.FailureReason = fmt.Sprintf("%s; exception path failed: %s", res.FailureReason, exec.Failure.Message)
		}
	case exec.IsSuccess() && exec.ActualChuteID == target:
		res.Success = true
	case exec.Failure != nil:
		res.FailureReason = exec.Failure.Message
	default:
		res.FailureReason = fmt.Sprintf("executor reported chute %d for target %d", exec.ActualChuteID, target)
	}
	return res, err
}

func (c *Coordinator) generate(ctx context.Context, chuteID int64) (path.SwitchingPath, error) {
	p, err := c.generator.GeneratePath(ctx, chuteID)
	if err != nil {
		return path.SwitchingPath{}, err
	}
	if err := p.Validate(); err != nil {
		return path.SwitchingPath{}, err
	}
	if p.TargetChuteID != chuteID {
		return path.SwitchingPath{}, fmt.Errorf("generator returned a path to chute %d for chute %d", p.TargetChuteID, chuteID)
	}
	return p, nil
}

func (c *Coordinator) reject(id, sensorID string, mode Mode, reason string, start time.Time) path.SortingResult {
	res := path.SortingResult{
		ParcelID:      id,
		SensorID:      sensorID,
		Rejected:      true,
		FailureReason: reason,
		Mode:          string(mode),
		Duration:      time.Since(start),
		CompletedAt:   time.Now(),
	}
	events.Emit("warn", "parcel.rejected", reason, map[string]interface{}{"parcel_id": id})
	metrics.RecordSortingResult(res.Outcome(), res.Mode)
	return res
}

// finish stamps, records and publishes a result exactly once.
func (c *Coordinator) finish(res path.SortingResult, sensorID string, mode Mode, start time.Time) path.SortingResult {
	res.SensorID = sensorID
	res.Mode = string(mode)
	res.Duration = time.Since(start)
	res.CompletedAt = time.Now()
	if res.Success && res.ActualChuteID != res.TargetChuteID {
		// A mismatched chute is never a success.
		res.Success = false
		res.FailureReason = fmt.Sprintf("consistency violation: chute %d for target %d", res.ActualChuteID, res.TargetChuteID)
	}

	c.results.Set(res.ParcelID, res, ttlcache.DefaultTTL)
	metrics.RecordSortingResult(res.Outcome(), res.Mode)

	fields := map[string]interface{}{
		"parcel_id":    res.ParcelID,
		"target_chute": res.TargetChuteID,
		"actual_chute": res.ActualChuteID,
		"outcome":      res.Outcome(),
		"duration_ms":  res.Duration.Milliseconds(),
	}
	if res.Success {
		events.Emit("info", "parcel.completed", res.ExceptionReason, fields)
	} else {
		events.Emit("warn", "parcel.failed", res.FailureReason, fields)
	}

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.SaveResult(ctx, res); err != nil {
			c.logger.Warn("failed to store sorting result", zap.String("parcel_id", res.ParcelID), zap.Error(err))
		}
	}
	return res
}

// OnChuteAssigned receives upstream assignments. Assignments for parcels
// that are no longer in flight are ignored.
func (c *Coordinator) OnChuteAssigned(a upstream.ChuteAssignment) {
	id := strconv.FormatInt(a.ParcelID, 10)
	fields := map[string]interface{}{
		"parcel_id": id,
		"chute_id":  a.ChuteID,
	}

	found, resolved := c.pending.resolve(id, a)
	switch {
	case resolved:
		events.Emit("info", "upstream.assigned", "", fields)
	case found:
		events.Emit("debug", "upstream.late_assignment", "duplicate assignment", fields)
	case c.results.Has(id):
		events.Emit("debug", "upstream.late_assignment", "parcel already completed", fields)
	default:
		events.Emit("debug", "upstream.unknown_parcel", "", fields)
	}
}

// Result returns a recently completed result.
func (c *Coordinator) Result(parcelID string) (path.SortingResult, bool) {
	item := c.results.Get(parcelID)
	if item == nil {
		return path.SortingResult{}, false
	}
	return item.Value(), true
}

// Results returns recently completed results, newest first.
func (c *Coordinator) Results() []path.SortingResult {
	items := c.results.Items()
	out := make([]path.SortingResult, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	return out
}

// InFlight returns the status of a parcel still being processed.
func (c *Coordinator) InFlight(parcelID string) (ParcelStatus, bool) {
	rec, ok := c.pending.get(parcelID)
	if !ok {
		return ParcelStatus{}, false
	}
	return rec.status(), true
}

// InFlightParcels lists every parcel still being processed.
func (c *Coordinator) InFlightParcels() []ParcelStatus {
	return c.pending.snapshot()
}

// Concurrency returns the current and highest observed number of parcels in flight.
func (c *Coordinator) Concurrency() (current, peak int64) {
	return c.active.Load(), c.maxActive.Load()
}

func (c *Coordinator) enter() {
	n := c.active.Add(1)
	for {
		m := c.maxActive.Load()
		if n <= m || c.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	metrics.SetInFlight(n, c.maxActive.Load())
}

func (c *Coordinator) leave() {
	n := c.active.Add(-1)
	metrics.SetInFlight(n, c.maxActive.Load())
}
