// Package failure classifies failed path executions, tries to reroute a
// parcel to its original target, and otherwise reports the fallback path.
package failure

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/metrics"
	"github.com/AaronLay10/SorterEngine/internal/path"
)

// Planner attempts to reroute a parcel after a segment failure.
// *reroute.Planner implements it.
type Planner interface {
	TryReroute(ctx context.Context, parcelID string, original path.SwitchingPath, failedNodeID int64, reason path.FailureReason) path.ReplanResult
}

// Handler is the Path Failure Handler.
type Handler struct {
	generator path.Generator
	planner   Planner
	logger    *zap.Logger
}

// NewHandler creates a failure handler. A nil planner disables rerouting.
func NewHandler(generator path.Generator, planner Planner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{generator: generator, planner: planner, logger: logger}
}

// HandleSegmentFailure reports a failed segment and tries to reroute. It
// returns the reroute plan when one was found; otherwise the failure is
// reported as a whole-path failure.
func (h *Handler) HandleSegmentFailure(ctx context.Context, parcelID string, original path.SwitchingPath, failed path.Segment, f path.Failure) (path.SwitchingPath, bool) {
	reason := f.ReasonOrParsed()
	events.Emit("warn", "segment.failed", f.Message, map[string]interface{}{
		"parcel_id":    parcelID,
		"target_chute": original.TargetChuteID,
		"diverter_id":  failed.DiverterID,
		"sequence":     failed.SequenceNumber,
		"direction":    failed.TargetDirection.String(),
		"reason":       reason.String(),
	})

	if h.planner != nil {
		rr := h.planner.TryReroute(ctx, parcelID, original, failed.DiverterID, reason)
		metrics.RecordReroute(rr.Success)
		if rr.Success {
			h.logger.Info("parcel rerouted",
				zap.String("parcel_id", parcelID),
				zap.Int64("chute_id", rr.NewChuteID),
				zap.Int64("failed_diverter", failed.DiverterID))
			events.Emit("info", "reroute.succeeded", "", map[string]interface{}{
				"parcel_id":       parcelID,
				"chute_id":        rr.NewChuteID,
				"failed_diverter": failed.DiverterID,
				"diverters":       rr.Path.DiverterIDs(),
			})
			return rr.Path, true
		}
		events.Emit("warn", "reroute.failed", rr.FailureReason, map[string]interface{}{
			"parcel_id":       parcelID,
			"chute_id":        original.TargetChuteID,
			"failed_diverter": failed.DiverterID,
			"reason":          reason.String(),
		})
	}

	seg := failed
	f.Segment = &seg
	h.HandlePathFailure(ctx, parcelID, original, f)
	return path.SwitchingPath{}, false
}

// HandlePathFailure reports that the parcel goes to the fallback chute and
// computes the backup path for it.
func (h *Handler) HandlePathFailure(ctx context.Context, parcelID string, original path.SwitchingPath, f path.Failure) {
	reason := f.ReasonOrParsed()
	fields := map[string]interface{}{
		"parcel_id":      parcelID,
		"target_chute":   original.TargetChuteID,
		"fallback_chute": original.FallbackChuteID,
		"reason":         reason.String(),
	}
	if f.Segment != nil {
		fields["diverter_id"] = f.Segment.DiverterID
		fields["sequence"] = f.Segment.SequenceNumber
	}
	events.Emit("warn", "path.failed", f.Message, fields)
	h.logger.Warn("path failed",
		zap.String("parcel_id", parcelID),
		zap.Int64("target_chute", original.TargetChuteID),
		zap.Int64("fallback_chute", original.FallbackChuteID),
		zap.String("reason", reason.String()),
		zap.String("msg", f.Message))

	backup, ok := h.CalculateBackupPath(ctx, original)
	if !ok {
		return
	}
	events.Emit("info", "path.switched", "", map[string]interface{}{
		"parcel_id":  parcelID,
		"from_chute": original.TargetChuteID,
		"to_chute":   backup.TargetChuteID,
		"diverters":  backup.DiverterIDs(),
	})
}

// CalculateBackupPath generates a fresh path to the original path's
// fallback chute. ok is false when even the fallback chute is unreachable.
func (h *Handler) CalculateBackupPath(ctx context.Context, original path.SwitchingPath) (path.SwitchingPath, bool) {
	backup, err := h.generate(ctx, original.FallbackChuteID)
	if err != nil {
		h.logger.Error("fallback chute unreachable",
			zap.Int64("target_chute", original.TargetChuteID),
			zap.Int64("fallback_chute", original.FallbackChuteID),
			zap.Error(err))
		return path.SwitchingPath{}, false
	}
	return backup, true
}

// ExceptionPath generates a path to the exception chute for a parcel whose
// own target could not be planned.
func (h *Handler) ExceptionPath(ctx context.Context, exceptionChuteID int64) (path.SwitchingPath, error) {
	p, err := h.generate(ctx, exceptionChuteID)
	if err != nil {
		return path.SwitchingPath{}, fmt.Errorf("exception chute %d: %w", exceptionChuteID, err)
	}
	return p, nil
}

func (h *Handler) generate(ctx context.Context, chuteID int64) (path.SwitchingPath, error) {
	if h.generator == nil {
		return path.SwitchingPath{}, path.ErrNoPath
	}
	p, err := h.generator.GeneratePath(ctx, chuteID)
	if err != nil {
		return path.SwitchingPath{}, err
	}
	if err := p.Validate(); err != nil {
		return path.SwitchingPath{}, err
	}
	return p, nil
}
