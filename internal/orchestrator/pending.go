package orchestrator

import (
	"sync"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/upstream"
)

// ParcelStatus is a snapshot of an in-flight parcel.
type ParcelStatus struct {
	ParcelID   string      `json:"parcel_id"`
	SensorID   string      `json:"sensor_id,omitempty"`
	State      ParcelState `json:"state"`
	Target     int64       `json:"target_chute_id,omitempty"`
	DetectedAt time.Time   `json:"detected_at"`
}

// inflightParcel is the record of one parcel between detection and result.
// assigned is resolved at most once with the upstream assignment.
type inflightParcel struct {
	id         string
	sensorID   string
	detectedAt time.Time
	assigned   chan upstream.ChuteAssignment
	once       sync.Once

	mu     sync.Mutex
	state  ParcelState
	target int64
}

func newInflightParcel(id, sensorID string) *inflightParcel {
	return &inflightParcel{
		id:         id,
		sensorID:   sensorID,
		detectedAt: time.Now(),
		assigned:   make(chan upstream.ChuteAssignment, 1),
		state:      ParcelDetected,
	}
}

// resolve never blocks; it reports false if an assignment was already delivered.
func (p *inflightParcel) resolve(a upstream.ChuteAssignment) bool {
	resolved := false
	p.once.Do(func() {
		p.assigned <- a
		resolved = true
	})
	return resolved
}

func (p *inflightParcel) setState(s ParcelState, target int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	if target > 0 {
		p.target = target
	}
}

func (p *inflightParcel) status() ParcelStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ParcelStatus{
		ParcelID:   p.id,
		SensorID:   p.sensorID,
		State:      p.state,
		Target:     p.target,
		DetectedAt: p.detectedAt,
	}
}

// pendingAssignments maps in-flight parcel ids to their records.
type pendingAssignments struct {
	mu      sync.Mutex
	parcels map[string]*inflightParcel
}

func newPendingAssignments() *pendingAssignments {
	return &pendingAssignments{parcels: make(map[string]*inflightParcel)}
}

// register creates the record for id. It fails if id is already in flight.
func (p *pendingAssignments) register(id, sensorID string) (*inflightParcel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.parcels[id]; exists {
		return nil, false
	}
	rec := newInflightParcel(id, sensorID)
	p.parcels[id] = rec
	return rec, true
}

// resolve hands a to the record for id. found is false when id is not in
// flight; resolved is false when the record already had an assignment.
func (p *pendingAssignments) resolve(id string, a upstream.ChuteAssignment) (found, resolved bool) {
	p.mu.Lock()
	rec, ok := p.parcels[id]
	p.mu.Unlock()
	if !ok {
		return false, false
	}
	return true, rec.resolve(a)
}

// remove deletes id only while it still maps to rec.
func (p *pendingAssignments) remove(id string, rec *inflightParcel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.parcels[id]; ok && cur == rec {
		delete(p.parcels, id)
	}
}

func (p *pendingAssignments) get(id string) (*inflightParcel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.parcels[id]
	return rec, ok
}

func (p *pendingAssignments) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parcels)
}

func (p *pendingAssignments) snapshot() []ParcelStatus {
	p.mu.Lock()
	recs := make([]*inflightParcel, 0, len(p.parcels))
	for _, rec := range p.parcels {
		recs = append(recs, rec)
	}
	p.mu.Unlock()

	out := make([]ParcelStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.status())
	}
	return out
}
