// Package reroute decides whether a parcel that failed at a diverter can
// still reach its original chute through the rest of its path.
package reroute

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/path"
)

// DefaultMaxPathAge is the age after which a path is no longer trusted for
// rerouting.
const DefaultMaxPathAge = 30 * time.Second

// RouteRepository is the read-only route configuration: the ordered
// diverters a parcel must pass to reach a chute.
type RouteRepository interface {
	RequiredNodes(chuteID int64) ([]int64, bool)
}

// Planner is the Rerouting Planner.
type Planner struct {
	routes     RouteRepository
	maxPathAge time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxPathAge sets the staleness limit. Zero disables the check.
func WithMaxPathAge(d time.Duration) Option {
	return func(p *Planner) {
		if d >= 0 {
			p.maxPathAge = d
		}
	}
}

// WithClock overrides the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPlanner creates a planner over a route repository.
func NewPlanner(routes RouteRepository, opts ...Option) *Planner {
	p := &Planner{
		routes:     routes,
		maxPathAge: DefaultMaxPathAge,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TryReroute builds a continuation of original that starts after the failed
// diverter and still ends at the original target chute. It only succeeds
// when the configured route after the failed diverter matches the rest of
// the original path exactly; anything else is rejected. original is never
// modified.
func (p *Planner) TryReroute(ctx context.Context, parcelID string, original path.SwitchingPath, failedNodeID int64, reason path.FailureReason) path.ReplanResult {
	target := original.TargetChuteID
	reject := func(format string, args ...interface{}) path.ReplanResult {
		msg := fmt.Sprintf(format, args...)
		p.logger.Debug("reroute rejected",
			zap.String("parcel_id", parcelID),
			zap.Int64("failed_diverter", failedNodeID),
			zap.String("reason", msg))
		return path.ReplanResult{OriginalChuteID: target, FailureReason: msg}
	}

	if reason.Unsafe() {
		return reject("reroute refused: %s leaves the parcel position untrusted", reason)
	}
	if err := ctx.Err(); err != nil {
		return reject("reroute abandoned: %v", err)
	}
	if p.maxPathAge > 0 && !original.GeneratedAt.IsZero() {
		if age := p.now().Sub(original.GeneratedAt); age > p.maxPathAge {
			return reject("path to chute %d is stale (%s old)", target, age.Round(time.Millisecond))
		}
	}

	failedIdx := original.IndexOfDiverter(failedNodeID)
	if failedIdx < 0 {
		return reject("failed diverter %d is not on the path to chute %d", failedNodeID, target)
	}

	if p.routes == nil {
		return reject("no route configuration for chute %d", target)
	}
	required, ok := p.routes.RequiredNodes(target)
	if !ok || len(required) == 0 {
		return reject("no route configuration for chute %d", target)
	}

	pos := -1
	for i, node := range required {
		if node == failedNodeID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return reject("failed diverter %d is not in the route configuration for chute %d", failedNodeID, target)
	}

	remaining := required[pos+1:]
	if len(remaining) == 0 {
		return reject("no diverters remain after diverter %d on the route to chute %d", failedNodeID, target)
	}

	continuation := original.Segments[failedIdx+1:]
	if len(continuation) != len(remaining) {
		return reject("cannot form a complete path to the target chute %d", target)
	}
	segments := make([]path.Segment, 0, len(remaining))
	for i, node := range remaining {
		seg := continuation[i]
		if seg.DiverterID != node {
			return reject("cannot form a complete path to the target chute %d", target)
		}
		seg.SequenceNumber = i + 1
		segments = append(segments, seg)
	}

	rerouted := path.SwitchingPath{
		TargetChuteID:   target,
		Segments:        segments,
		FallbackChuteID: original.FallbackChuteID,
		GeneratedAt:     p.now(),
	}
	p.logger.Debug("reroute planned",
		zap.String("parcel_id", parcelID),
		zap.Int64("chute_id", target),
		zap.Int64s("diverters", rerouted.DiverterIDs()))

	return path.ReplanResult{
		Success:         true,
		OriginalChuteID: target,
		NewChuteID:      target,
		Path:            rerouted,
	}
}
