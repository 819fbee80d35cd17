// Package upstream holds the contract with the external routing authority
// that assigns chutes to detected parcels, and its MQTT transport.
package upstream

import (
	"context"
	"sync"
	"time"
)

// ParcelDetected notifies upstream that a parcel entered the line.
type ParcelDetected struct {
	ParcelID   int64     `json:"parcel_id"`
	SensorID   string    `json:"sensor_id,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// ChuteAssignment is upstream's routing decision for one parcel.
type ChuteAssignment struct {
	ParcelID   int64     `json:"parcel_id"`
	ChuteID    int64     `json:"chute_id"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Client is the upstream routing client. Assignments are delivered
// asynchronously, zero or more times per parcel, possibly for parcels the
// receiver no longer tracks.
type Client interface {
	// Send delivers a detection notification. ok reports whether upstream
	// acknowledged it.
	Send(ctx context.Context, msg ParcelDetected) (ok bool, err error)
	// OnChuteAssigned registers a callback and returns a function removing
	// it. Calling the returned function more than once is a no-op.
	OnChuteAssigned(fn func(ChuteAssignment)) (unsubscribe func())
}

// Callbacks is a set of assignment callbacks. The zero value is ready to use.
type Callbacks struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(ChuteAssignment)
}

// Add registers fn and returns its idempotent removal.
func (c *Callbacks) Add(fn func(ChuteAssignment)) func() {
	c.mu.Lock()
	if c.fns == nil {
		c.fns = make(map[int]func(ChuteAssignment))
	}
	id := c.next
	c.next++
	c.fns[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.fns, id)
			c.mu.Unlock()
		})
	}
}

// Dispatch calls every registered callback with a.
func (c *Callbacks) Dispatch(a ChuteAssignment) {
	c.mu.RLock()
	fns := make([]func(ChuteAssignment), 0, len(c.fns))
	for _, fn := range c.fns {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(a)
	}
}

// Len returns the number of registered callbacks.
func (c *Callbacks) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.fns)
}
