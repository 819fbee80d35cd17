package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/wheel"
)

// CommandExecutor runs a single diverter command. *wheel.Executor implements it.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd wheel.Command) (wheel.OperationResult, error)
}

// HardwareExecutor walks a path segment by segment against real diverters.
// Each segment is bounded by its own ttl and the walk stops at the first
// failed segment.
type HardwareExecutor struct {
	commands CommandExecutor
	logger   *zap.Logger
}

// NewHardwareExecutor creates a path executor over a command executor.
func NewHardwareExecutor(commands CommandExecutor, logger *zap.Logger) *HardwareExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HardwareExecutor{commands: commands, logger: logger}
}

// Execute implements PathExecutor.
func (h *HardwareExecutor) Execute(ctx context.Context, p path.SwitchingPath) (path.ExecutionResult, error) {
	start := time.Now()

	if len(p.Segments) == 0 {
		return path.Failed(p, path.Failure{
			Reason:  path.ReasonPhysicalConstraint,
			Message: fmt.Sprintf("path to chute %d has no segments", p.TargetChuteID),
		}, 0), nil
	}

	for _, seg := range p.Segments {
		op, err := h.commands.Execute(ctx, wheel.Command{
			DiverterID: seg.DiverterID,
			Direction:  seg.TargetDirection,
			Timeout:    seg.TTL,
		})
		if err != nil {
			return path.ExecutionResult{}, err
		}
		if !op.Success {
			failed := seg
			h.logger.Debug("segment failed",
				zap.Int("sequence", seg.SequenceNumber),
				zap.Int64("diverter_id", seg.DiverterID),
				zap.String("code", string(op.ErrorCode)))
			return path.Failed(p, path.Failure{
				Reason:  ReasonForCode(op.ErrorCode),
				Message: op.Message,
				Segment: &failed,
			}, time.Since(start)), nil
		}
	}

	return path.Succeeded(p, time.Since(start)), nil
}

// ReasonForCode maps a wheel result code onto the failure taxonomy.
func ReasonForCode(code wheel.ErrorCode) path.FailureReason {
	switch code {
	case wheel.CodeOK:
		return path.ReasonUnknown
	case wheel.CodeCommandTimeout:
		return path.ReasonTTLExpired
	default:
		// Not found, refused, communication and vendor-specific codes are all
		// actuator-side faults.
		return path.ReasonDiverterFault
	}
}
