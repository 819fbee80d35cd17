package path

import (
	"sync/atomic"
	"time"
)

// Failure describes why a path did not reach its target.
type Failure struct {
	Reason  FailureReason
	Message string
	// Segment is nil for whole-path failures.
	Segment *Segment
	At      time.Time
}

// ReasonOrParsed returns the typed reason, classifying Message when the
// source did not set one.
func (f Failure) ReasonOrParsed() FailureReason {
	if f.Reason != ReasonUnknown {
		return f.Reason
	}
	return ParseFailureReason(f.Message)
}

// ExecutionResult is the outcome of running a SwitchingPath. Failure is nil
// exactly when the path succeeded.
type ExecutionResult struct {
	TargetChuteID int64
	ActualChuteID int64
	Failure       *Failure
	Duration      time.Duration
}

// IsSuccess reports whether the parcel reached the path's target chute.
func (r ExecutionResult) IsSuccess() bool {
	return r.Failure == nil
}

// Succeeded builds the result of a path that reached its target.
func Succeeded(p SwitchingPath, d time.Duration) ExecutionResult {
	return ExecutionResult{
		TargetChuteID: p.TargetChuteID,
		ActualChuteID: p.TargetChuteID,
		Duration:      d,
	}
}

// Failed builds a failed result; the parcel is sent to the fallback chute.
func Failed(p SwitchingPath, f Failure, d time.Duration) ExecutionResult {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	return ExecutionResult{
		TargetChuteID: p.TargetChuteID,
		ActualChuteID: p.FallbackChuteID,
		Failure:       &f,
		Duration:      d,
	}
}

// ReplanResult is the outcome of a reroute attempt. The original path is
// never modified; Path is only meaningful when Success is true.
type ReplanResult struct {
	Success         bool
	OriginalChuteID int64
	NewChuteID      int64
	Path            SwitchingPath
	FailureReason   string
}

// SortingResult is the final outcome of one parcel. Success implies
// ActualChuteID == TargetChuteID. Exception marks parcels whose target was
// replaced by the exception chute before planning.
type SortingResult struct {
	ParcelID        string        `json:"parcel_id"`
	SensorID        string        `json:"sensor_id,omitempty"`
	TargetChuteID   int64         `json:"target_chute_id"`
	ActualChuteID   int64         `json:"actual_chute_id"`
	Success         bool          `json:"success"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	Exception       bool          `json:"exception,omitempty"`
	ExceptionReason string        `json:"exception_reason,omitempty"`
	Rejected        bool          `json:"rejected,omitempty"`
	Mode            string        `json:"mode"`
	Duration        time.Duration `json:"duration_ns"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// Outcome labels the result for metrics and storage.
func (r SortingResult) Outcome() string {
	switch {
	case r.Rejected:
		return "rejected"
	case r.Success && r.Exception:
		return "exception"
	case r.Success:
		return "success"
	default:
		return "failure"
	}
}

// IDGenerator hands out parcel ids that are unique within the process and
// increase monotonically. Ids are based on wall-clock milliseconds so that
// they stay distinguishable across restarts.
type IDGenerator struct {
	last atomic.Int64
	now  func() time.Time
}

// NewIDGenerator creates a generator using the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns the next parcel id.
func (g *IDGenerator) Next() int64 {
	candidate := g.now().UnixMilli()
	for {
		last := g.last.Load()
		next := candidate
		if next <= last {
			next = last + 1
		}
		if g.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
