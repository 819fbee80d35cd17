package mqtt

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/AaronLay10/SorterEngine/internal/topology"
)

// RegistrationPayload represents a v1 controller registration message.
type RegistrationPayload struct {
	Version    int                    `json:"version"`
	Controller ControllerInfo         `json:"controller"`
	Diverters  []DiverterRegistration `json:"diverters"`
}

// ControllerInfo contains controller metadata.
type ControllerInfo struct {
	ID           string `json:"id"`
	Firmware     string `json:"firmware"`
	UptimeMS     int64  `json:"uptime_ms"`
	HeartbeatSec int    `json:"heartbeat_sec"`
}

// DiverterRegistration describes a single diverter driven by the controller.
type DiverterRegistration struct {
	ID     int64          `json:"id"`
	Topics DiverterTopics `json:"topics"`
}

// DiverterTopics defines MQTT topics for diverter communication.
type DiverterTopics struct {
	Command  string `json:"command"`
	Feedback string `json:"feedback"`
}

// ParseRegistration parses a registration payload from JSON bytes.
func ParseRegistration(data []byte) (*RegistrationPayload, error) {
	var payload RegistrationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid registration JSON: %w", err)
	}

	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported registration version: %d", payload.Version)
	}

	if payload.Controller.ID == "" {
		return nil, fmt.Errorf("controller.id is required")
	}

	return &payload, nil
}

// ValidationResult contains validation outcome.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	// Accepted lists the diverters that may go online.
	Accepted []int64
}

// ValidateRegistration checks a registration against the diverters the
// topology assigns to the controller. Every expected diverter must be
// announced with matching topics.
func ValidateRegistration(payload *RegistrationPayload, expected map[int64]topology.DiverterDef) *ValidationResult {
	result := &ValidationResult{Valid: true}

	registered := make(map[int64]*DiverterRegistration)
	for i := range payload.Diverters {
		d := &payload.Diverters[i]
		if d.ID <= 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("invalid diverter id %d", d.ID))
			result.Valid = false
			continue
		}
		registered[d.ID] = d
	}

	ids := make([]int64, 0, len(expected))
	for id := range expected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		def := expected[id]
		reg, found := registered[id]
		if !found {
			result.Errors = append(result.Errors, fmt.Sprintf("diverter %d missing", id))
			result.Valid = false
			continue
		}
		if reg.Topics.Command != def.CommandTopic {
			result.Errors = append(result.Errors, fmt.Sprintf("diverter %d: command topic mismatch (expected %s, got %s)", id, def.CommandTopic, reg.Topics.Command))
			result.Valid = false
			continue
		}
		if reg.Topics.Feedback != def.FeedbackTopic {
			result.Errors = append(result.Errors, fmt.Sprintf("diverter %d: feedback topic mismatch (expected %s, got %s)", id, def.FeedbackTopic, reg.Topics.Feedback))
			result.Valid = false
			continue
		}
		result.Accepted = append(result.Accepted, id)
	}

	for id := range registered {
		if _, ok := expected[id]; !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unrecognized diverter: %d", id))
		}
	}
	sort.Strings(result.Warnings)

	return result
}
