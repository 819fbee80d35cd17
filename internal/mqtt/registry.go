package mqtt

import (
	"sort"
	"sync"

	"github.com/AaronLay10/SorterEngine/internal/topology"
	"github.com/AaronLay10/SorterEngine/internal/wheel"
)

// DiverterStatus is a read-only view of one diverter.
type DiverterStatus struct {
	ID           int64  `json:"id"`
	ControllerID string `json:"controller_id"`
	CommandTopic string `json:"command_topic"`
	Online       bool   `json:"online"`
}

// DiverterRegistry maps diverter ids to their MQTT drivers. It implements
// wheel.Registry.
type DiverterRegistry struct {
	mu        sync.RWMutex
	diverters map[int64]*Driver
	defs      map[int64]topology.DiverterDef
}

var _ wheel.Registry = (*DiverterRegistry)(nil)

// NewDiverterRegistry creates one offline driver per topology diverter.
func NewDiverterRegistry(defs []topology.DiverterDef, transport Transport) *DiverterRegistry {
	r := &DiverterRegistry{
		diverters: make(map[int64]*Driver, len(defs)),
		defs:      make(map[int64]topology.DiverterDef, len(defs)),
	}
	for _, def := range defs {
		r.diverters[def.ID] = NewDriver(def.ID, def.Controller, def.CommandTopic, def.FeedbackTopic, transport)
		r.defs[def.ID] = def
	}
	return r
}

// Diverter implements wheel.Registry.
func (r *DiverterRegistry) Diverter(id int64) (wheel.Diverter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.diverters[id]
	if !ok {
		return nil, false
	}
	return d, true
}

// Driver returns the concrete driver for a diverter, or nil if not found.
func (r *DiverterRegistry) Driver(id int64) *Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.diverters[id]
}

// Exists returns true if the diverter is known.
func (r *DiverterRegistry) Exists(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.diverters[id]
	return ok
}

// ForController returns the definitions of every diverter a controller owns.
func (r *DiverterRegistry) ForController(controllerID string) map[int64]topology.DiverterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]topology.DiverterDef)
	for id, def := range r.defs {
		if def.Controller == controllerID {
			out[id] = def
		}
	}
	return out
}

// SetOnline marks diverters online or offline.
func (r *DiverterRegistry) SetOnline(ids []int64, online bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if d, ok := r.diverters[id]; ok {
			d.SetOnline(online)
		}
	}
}

// All returns the status of every diverter ordered by id.
func (r *DiverterRegistry) All() []DiverterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]DiverterStatus, 0, len(r.diverters))
	for id, d := range r.diverters {
		def := r.defs[id]
		result = append(result, DiverterStatus{
			ID:           id,
			ControllerID: def.Controller,
			CommandTopic: def.CommandTopic,
			Online:       d.Online(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
