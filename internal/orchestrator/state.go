package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/AaronLay10/SorterEngine/internal/events"
)

// Mode selects how a parcel's target chute is resolved.
type Mode string

const (
	ModeFixed      Mode = "fixed"
	ModeRoundRobin Mode = "round_robin"
	ModeUpstream   Mode = "upstream"
)

// ParseMode parses a configured or operator-supplied mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeFixed:
		return ModeFixed, nil
	case ModeRoundRobin, "roundrobin", "round-robin":
		return ModeRoundRobin, nil
	case ModeUpstream, "formal":
		return ModeUpstream, nil
	}
	return "", fmt.Errorf("unknown sorting mode: %q", s)
}

// SystemState is the line's safety state. Only Running accepts parcels.
type SystemState string

const (
	StateRunning       SystemState = "running"
	StatePaused        SystemState = "paused"
	StateEmergencyStop SystemState = "emergency_stop"
)

// ParseSystemState parses an operator-supplied state.
func ParseSystemState(s string) (SystemState, error) {
	switch SystemState(strings.ToLower(strings.TrimSpace(s))) {
	case StateRunning:
		return StateRunning, nil
	case StatePaused:
		return StatePaused, nil
	case StateEmergencyStop, "estop", "emergency-stop":
		return StateEmergencyStop, nil
	}
	return "", fmt.Errorf("unknown system state: %q", s)
}

// ParcelState is the lifecycle state of one parcel.
type ParcelState string

const (
	ParcelDetected      ParcelState = "detected"
	ParcelAwaitingChute ParcelState = "awaiting_chute"
	ParcelRouting       ParcelState = "routing"
	ParcelExecuting     ParcelState = "executing"
	ParcelCompleted     ParcelState = "completed"
	ParcelFailed        ParcelState = "failed"
)

// ModeProvider supplies the operating mode and safety state.
type ModeProvider interface {
	Mode() Mode
	State() SystemState
	FixedChute() int64
	RoundRobinChutes() []int64
}

// ControlsSnapshot is a point-in-time copy of Controls.
type ControlsSnapshot struct {
	Mode             Mode        `json:"mode"`
	State            SystemState `json:"state"`
	FixedChute       int64       `json:"fixed_chute"`
	RoundRobinChutes []int64     `json:"round_robin_chutes"`
}

// Controls is the operator-adjustable ModeProvider.
type Controls struct {
	mu         sync.RWMutex
	mode       Mode
	state      SystemState
	fixedChute int64
	roundRobin []int64
}

// NewControls creates controls in the Running state.
func NewControls(mode Mode, fixedChute int64, roundRobin []int64) *Controls {
	return &Controls{
		mode:       mode,
		state:      StateRunning,
		fixedChute: fixedChute,
		roundRobin: append([]int64(nil), roundRobin...),
	}
}

func (c *Controls) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Controls) State() SystemState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controls) FixedChute() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fixedChute
}

// RoundRobinChutes returns a copy of the round-robin chute list.
func (c *Controls) RoundRobinChutes() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int64(nil), c.roundRobin...)
}

// SetMode switches the resolution mode for subsequently detected parcels.
func (c *Controls) SetMode(m Mode) {
	c.mu.Lock()
	prev := c.mode
	c.mode = m
	c.mu.Unlock()
	if prev != m {
		events.Emit("info", "operator.mode", "", map[string]interface{}{
			"from": string(prev),
			"to":   string(m),
		})
	}
}

// SetState changes the safety state.
func (c *Controls) SetState(s SystemState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		level := "info"
		if s == StateEmergencyStop {
			level = "warn"
		}
		events.Emit(level, "operator.state", "", map[string]interface{}{
			"from": string(prev),
			"to":   string(s),
		})
	}
}

// SetFixedChute sets the chute used in fixed mode.
func (c *Controls) SetFixedChute(chuteID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fixedChute = chuteID
}

// SetRoundRobinChutes replaces the round-robin chute list.
func (c *Controls) SetRoundRobinChutes(chutes []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roundRobin = append([]int64(nil), chutes...)
}

// Snapshot returns a copy of the current controls.
func (c *Controls) Snapshot() ControlsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ControlsSnapshot{
		Mode:             c.mode,
		State:            c.state,
		FixedChute:       c.fixedChute,
		RoundRobinChutes: append([]int64(nil), c.roundRobin...),
	}
}
