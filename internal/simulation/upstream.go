package simulation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/upstream"
)

// UpstreamOptions tunes the simulated routing authority.
type UpstreamOptions struct {
	// Chutes are assigned in rotation.
	Chutes []int64
	// Delay before an assignment is delivered.
	Delay time.Duration
	// DropRate is the chance no assignment is ever delivered.
	DropRate float64
	// DuplicateRate is the chance an assignment is delivered twice.
	DuplicateRate float64
	Seed          int64
}

// Upstream is an in-process upstream.Client that answers every detection
// with a chute assignment after a delay.
type Upstream struct {
	opts      UpstreamOptions
	callbacks upstream.Callbacks

	mu     sync.Mutex
	rnd    *rand.Rand
	next   int
	timers []*time.Timer
	closed bool
	wg     sync.WaitGroup

	// Assigned records the chute given to each parcel.
	assigned map[int64]int64
}

var _ upstream.Client = (*Upstream)(nil)

// NewUpstream creates a simulated upstream.
func NewUpstream(opts UpstreamOptions) *Upstream {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Upstream{
		opts:     opts,
		rnd:      rand.New(rand.NewSource(seed)),
		assigned: make(map[int64]int64),
	}
}

// Send schedules the assignment and acknowledges immediately.
func (u *Upstream) Send(ctx context.Context, msg upstream.ParcelDetected) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return false, nil
	}
	if len(u.opts.Chutes) == 0 || u.rnd.Float64() < u.opts.DropRate {
		return true, nil
	}
	chute := u.opts.Chutes[u.next%len(u.opts.Chutes)]
	u.next++
	u.assigned[msg.ParcelID] = chute
	deliveries := 1
	if u.rnd.Float64() < u.opts.DuplicateRate {
		deliveries = 2
	}

	a := upstream.ChuteAssignment{ParcelID: msg.ParcelID, ChuteID: chute}
	u.wg.Add(1)
	u.timers = append(u.timers, time.AfterFunc(u.opts.Delay, func() {
		defer u.wg.Done()
		for i := 0; i < deliveries; i++ {
			a.AssignedAt = time.Now()
			u.callbacks.Dispatch(a)
		}
	}))
	return true, nil
}

// OnChuteAssigned implements upstream.Client.
func (u *Upstream) OnChuteAssigned(fn func(upstream.ChuteAssignment)) func() {
	return u.callbacks.Add(fn)
}

// AssignedChute returns the chute upstream chose for a parcel.
func (u *Upstream) AssignedChute(parcelID int64) (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.assigned[parcelID]
	return c, ok
}

// Close cancels undelivered assignments and waits for running deliveries.
func (u *Upstream) Close() {
	u.mu.Lock()
	u.closed = true
	timers := u.timers
	u.timers = nil
	u.mu.Unlock()

	for _, t := range timers {
		if t.Stop() {
			u.wg.Done()
		}
	}
	u.wg.Wait()
}
