package mqtt

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/events"
)

// heartbeatTolerance is how many heartbeat intervals a controller may miss.
const heartbeatTolerance = 2.0

// ControllerState tracks a registered controller's health.
type ControllerState struct {
	ControllerID string
	LastSeen     time.Time
	HeartbeatSec int
	Diverters    []int64
	Connected    bool
}

// Monitor tracks controller registration and health, and keeps the
// diverter registry's online flags in step with it.
type Monitor struct {
	mu             sync.RWMutex
	controllers    map[string]*ControllerState
	registry       *DiverterRegistry
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewMonitor creates a controller monitor. defaultTimeout applies to
// controllers that do not announce a heartbeat interval.
func NewMonitor(registry *DiverterRegistry, defaultTimeout time.Duration) *Monitor {
	if defaultTimeout <= 0 {
		defaultTimeout = 15 * time.Second
	}
	return &Monitor{
		controllers:    make(map[string]*ControllerState),
		registry:       registry,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
	}
}

// HandleRegistration processes a registration payload.
// Returns validation result and emits appropriate events.
func (m *Monitor) HandleRegistration(payload *RegistrationPayload) *ValidationResult {
	ctrlID := payload.Controller.ID
	result := ValidateRegistration(payload, m.registry.ForController(ctrlID))

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, known := m.controllers[ctrlID]
	isReconnect := known && !existing.Connected

	if !result.Valid {
		events.Emit("error", "device.error", "registration validation failed", map[string]interface{}{
			"controller_id": ctrlID,
			"errors":        result.Errors,
		})
		return result
	}

	m.controllers[ctrlID] = &ControllerState{
		ControllerID: ctrlID,
		LastSeen:     m.now(),
		HeartbeatSec: payload.Controller.HeartbeatSec,
		Diverters:    append([]int64{}, result.Accepted...),
		Connected:    true,
	}
	m.registry.SetOnline(result.Accepted, true)

	for _, id := range result.Accepted {
		events.Emit("info", "device.connected", "", map[string]interface{}{
			"controller_id": ctrlID,
			"diverter_id":   id,
			"firmware":      payload.Controller.Firmware,
			"reconnect":     isReconnect,
		})
	}
	return result
}

// HandleHeartbeat refreshes a controller. Returns false for controllers
// that never registered or were marked disconnected; they must register again.
func (m *Monitor) HandleHeartbeat(controllerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.controllers[controllerID]
	if !ok || !state.Connected {
		return false
	}
	state.LastSeen = m.now()
	return true
}

// Run checks controller health every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Monitor) checkHealth() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	for ctrlID, state := range m.controllers {
		if !state.Connected {
			continue
		}

		timeout := m.defaultTimeout
		if state.HeartbeatSec > 0 {
			timeout = time.Duration(float64(state.HeartbeatSec)*heartbeatTolerance) * time.Second
		}
		if now.Sub(state.LastSeen) <= timeout {
			continue
		}

		state.Connected = false
		m.registry.SetOnline(state.Diverters, false)
		for _, id := range state.Diverters {
			events.Emit("warn", "device.disconnected", "heartbeat timeout", map[string]interface{}{
				"controller_id": ctrlID,
				"diverter_id":   id,
				"last_seen":     state.LastSeen.Format(time.RFC3339),
				"timeout_sec":   timeout.Seconds(),
			})
		}
	}
}

// GetControllerState returns the state of a controller (for testing/inspection).
func (m *Monitor) GetControllerState(controllerID string) *ControllerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, ok := m.controllers[controllerID]; ok {
		cpy := *state
		cpy.Diverters = append([]int64{}, state.Diverters...)
		return &cpy
	}
	return nil
}

// ConnectedControllers returns the currently connected controller IDs, sorted.
func (m *Monitor) ConnectedControllers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, state := range m.controllers {
		if state.Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
