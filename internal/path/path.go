// Package path holds the switching path model shared by the routing pipeline:
// the plan compiled for one parcel, the outcome of executing it, and the
// closed failure taxonomy used to classify what went wrong.
package path

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction is the semantic command sent to a wheel diverter.
type Direction int

const (
	Straight Direction = iota
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	case Straight:
		return "straight"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection parses the config/wire spelling of a direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "l":
		return Left, nil
	case "right", "r":
		return Right, nil
	case "straight", "pass", "passthrough", "s":
		return Straight, nil
	}
	return Straight, fmt.Errorf("unknown direction: %q", s)
}

// Segment is one actuation step of a SwitchingPath.
type Segment struct {
	SequenceNumber  int
	DiverterID      int64
	TargetDirection Direction
	TTL             time.Duration
}

// SwitchingPath is the actuation plan for one parcel. Segments are fixed
// after generation; callers must treat the slice as read-only.
type SwitchingPath struct {
	TargetChuteID   int64
	Segments        []Segment
	FallbackChuteID int64
	GeneratedAt     time.Time
}

// ErrNoPath is returned by generators when no valid path reaches a chute.
var ErrNoPath = errors.New("no path to chute")

// Generator compiles a chute id into a switching path.
type Generator interface {
	GeneratePath(ctx context.Context, chuteID int64) (SwitchingPath, error)
}

// Validate checks the structural invariants every generated path must hold.
func (p SwitchingPath) Validate() error {
	if p.TargetChuteID <= 0 {
		return fmt.Errorf("path: invalid target chute %d", p.TargetChuteID)
	}
	if p.FallbackChuteID <= 0 {
		return fmt.Errorf("path to chute %d has no fallback chute", p.TargetChuteID)
	}
	last := 0
	for _, seg := range p.Segments {
		if seg.SequenceNumber <= last {
			return fmt.Errorf("path to chute %d: segment sequence %d not increasing", p.TargetChuteID, seg.SequenceNumber)
		}
		if seg.TTL <= 0 {
			return fmt.Errorf("path to chute %d: segment %d has non-positive ttl", p.TargetChuteID, seg.SequenceNumber)
		}
		last = seg.SequenceNumber
	}
	return nil
}

// IndexOfDiverter returns the index of the first segment commanding the
// given diverter, or -1.
func (p SwitchingPath) IndexOfDiverter(diverterID int64) int {
	for i, seg := range p.Segments {
		if seg.DiverterID == diverterID {
			return i
		}
	}
	return -1
}

// DiverterIDs lists the diverters in execution order.
func (p SwitchingPath) DiverterIDs() []int64 {
	ids := make([]int64, 0, len(p.Segments))
	for _, seg := range p.Segments {
		ids = append(ids, seg.DiverterID)
	}
	return ids
}
