package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AaronLay10/SorterEngine/internal/orchestrator"
	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/topology"
	"github.com/AaronLay10/SorterEngine/internal/upstream"
)

const testTopology = `
version: 1
exception_chute: 99
default_ttl_ms: 200
diverters:
  - {id: 1, controller: c1}
  - {id: 2, controller: c1}
  - {id: 3, controller: c2}
chutes:
  - id: 1
    route: [{diverter: 1, direction: left}]
  - id: 2
    route: [{diverter: 1, direction: straight}, {diverter: 2, direction: left}]
  - id: 3
    route: [{diverter: 1, direction: straight}, {diverter: 2, direction: straight}, {diverter: 3, direction: left}]
  - id: 99
    route: [{diverter: 1, direction: straight}, {diverter: 2, direction: straight}, {diverter: 3, direction: straight}]
`

func loadTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse([]byte(testTopology))
	require.NoError(t, err)
	return topo
}

func TestExecutor_AllSegmentsSucceed(t *testing.T) {
	topo := loadTopology(t)
	p, err := topo.GeneratePath(context.Background(), 3)
	require.NoError(t, err)

	res, err := NewExecutor(ExecutorOptions{Seed: 1}).Execute(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, int64(3), res.ActualChuteID)
}

func TestExecutor_FaultyDiverterIsTyped(t *testing.T) {
	topo := loadTopology(t)
	p, err := topo.GeneratePath(context.Background(), 3)
	require.NoError(t, err)

	exec := NewExecutor(ExecutorOptions{FaultyDiverters: map[int64]path.FailureReason{2: path.ReasonTTLExpired}, Seed: 1})
	res, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, path.ReasonTTLExpired, res.Failure.Reason)
	require.NotNil(t, res.Failure.Segment)
	assert.Equal(t, int64(2), res.Failure.Segment.DiverterID)
	assert.Equal(t, int64(99), res.ActualChuteID)
}

func TestExecutor_MisSortReportsWrongChute(t *testing.T) {
	topo := loadTopology(t)
	exec := NewExecutor(ExecutorOptions{MisSorts: map[int64]int64{2: 3}, Seed: 1})

	p, err := topo.GeneratePath(context.Background(), 2)
	require.NoError(t, err)
	res, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.IsSuccess())
	assert.Equal(t, int64(3), res.ActualChuteID)

	p, err = topo.GeneratePath(context.Background(), 1)
	require.NoError(t, err)
	res, err = exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ActualChuteID)

	assert.Equal(t, int64(1), exec.Misreported())
}

func TestExecutor_DropoutEverywhere(t *testing.T) {
	topo := loadTopology(t)
	p, err := topo.GeneratePath(context.Background(), 1)
	require.NoError(t, err)

	res, err := NewExecutor(ExecutorOptions{DropoutRate: 1, Seed: 1}).Execute(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, res.Failure)
	assert.Equal(t, path.ReasonParcelDropout, res.Failure.Reason)
}

func TestExecutor_Cancellation(t *testing.T) {
	topo := loadTopology(t)
	p, err := topo.GeneratePath(context.Background(), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = NewExecutor(ExecutorOptions{SegmentLatency: time.Second}).Execute(ctx, p)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpstream_AssignsInRotation(t *testing.T) {
	up := NewUpstream(UpstreamOptions{Chutes: []int64{1, 2}, Seed: 1})
	defer up.Close()

	got := make(chan upstream.ChuteAssignment, 4)
	unsubscribe := up.OnChuteAssigned(func(a upstream.ChuteAssignment) { got <- a })
	defer unsubscribe()

	for id := int64(1); id <= 3; id++ {
		ok, err := up.Send(context.Background(), upstream.ParcelDetected{ParcelID: id})
		require.NoError(t, err)
		require.True(t, ok)
	}
	chutes := map[int64]int64{}
	for i := 0; i < 3; i++ {
		select {
		case a := <-got:
			chutes[a.ParcelID] = a.ChuteID
		case <-time.After(time.Second):
			t.Fatal("assignment not delivered")
		}
	}
	assert.Equal(t, map[int64]int64{1: 1, 2: 2, 3: 1}, chutes)

	c, ok := up.AssignedChute(2)
	assert.True(t, ok)
	assert.Equal(t, int64(2), c)
}

func TestUpstream_DropAll(t *testing.T) {
	up := NewUpstream(UpstreamOptions{Chutes: []int64{1}, DropRate: 1, Seed: 1})
	defer up.Close()

	ok, err := up.Send(context.Background(), upstream.ParcelDetected{ParcelID: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	_, assigned := up.AssignedChute(1)
	assert.False(t, assigned)
}

func TestUpstream_CloseCancelsPending(t *testing.T) {
	up := NewUpstream(UpstreamOptions{Chutes: []int64{1}, Delay: time.Hour, Seed: 1})
	calls := 0
	up.OnChuteAssigned(func(upstream.ChuteAssignment) { calls++ })
	_, _ = up.Send(context.Background(), upstream.ParcelDetected{ParcelID: 1})
	up.Close()

	ok, err := up.Send(context.Background(), upstream.ParcelDetected{ParcelID: 2})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, calls)
}

func TestRunner_RoundRobinCleanLine(t *testing.T) {
	r := NewRunner(loadTopology(t), zaptest.NewLogger(t))
	sum, err := r.Run(context.Background(), RunOptions{
		Parcels:     30,
		Concurrency: 6,
		Mode:        orchestrator.ModeRoundRobin,
		Executor:    ExecutorOptions{SegmentLatency: 2 * time.Millisecond, Seed: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, 30, sum.Parcels)
	assert.Equal(t, 30, sum.Succeeded)
	assert.Zero(t, sum.MisSorts)
	assert.Greater(t, sum.MaxConcurrency, int64(1))
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, "1", sum.Results[0].ParcelID)
	assert.Equal(t, "30", sum.Results[29].ParcelID)
}

func TestRunner_UpstreamWithDropsAndFaults(t *testing.T) {
	r := NewRunner(loadTopology(t), zaptest.NewLogger(t))
	sum, err := r.Run(context.Background(), RunOptions{
		Parcels:         40,
		Concurrency:     8,
		Mode:            orchestrator.ModeUpstream,
		UpstreamTimeout: 50 * time.Millisecond,
		Upstream:        UpstreamOptions{Delay: time.Millisecond, DropRate: 0.2, DuplicateRate: 0.2, Seed: 3},
		Executor:        ExecutorOptions{FailureRate: 0.2, DropoutRate: 0.1, Seed: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 40, sum.Parcels)
	assert.Equal(t, 40, sum.Succeeded+sum.Exceptions+sum.Failed)
	assert.Zero(t, sum.MisSorts)
	for _, res := range sum.Results {
		if !res.Success {
			assert.Contains(t, []int64{0, 99}, res.ActualChuteID, "parcel %s", res.ParcelID)
		}
	}
}

func TestRunner_RerouteExecutionKeepsTargets(t *testing.T) {
	r := NewRunner(loadTopology(t), zaptest.NewLogger(t))
	sum, err := r.Run(context.Background(), RunOptions{
		Parcels:        9,
		Concurrency:    3,
		Mode:           orchestrator.ModeRoundRobin,
		RerouteExecute: true,
		Executor:       ExecutorOptions{FaultyDiverters: map[int64]path.FailureReason{1: path.ReasonDiverterFault}, Seed: 1},
	})
	require.NoError(t, err)
	assert.Zero(t, sum.MisSorts)
	// Diverter 1 is the last step to chute 1, so nothing is left to reroute.
	for _, res := range sum.Results {
		if res.TargetChuteID == 1 {
			assert.False(t, res.Success)
			assert.Equal(t, int64(99), res.ActualChuteID)
		} else {
			assert.True(t, res.Success, "parcel %s to chute %d", res.ParcelID, res.TargetChuteID)
			assert.Equal(t, res.TargetChuteID, res.ActualChuteID)
		}
	}
}

func TestRunner_MisSortsAreCaught(t *testing.T) {
	r := NewRunner(loadTopology(t), zaptest.NewLogger(t))
	sum, err := r.Run(context.Background(), RunOptions{
		Parcels:     10,
		Concurrency: 2,
		Mode:        orchestrator.ModeFixed,
		FixedChute:  2,
		Executor:    ExecutorOptions{MisSorts: map[int64]int64{2: 3}, Seed: 5},
	})
	require.NoError(t, err)
	assert.Zero(t, sum.MisSorts)
	assert.Equal(t, int64(10), sum.MisSortsCaught)
	assert.Equal(t, 10, sum.Failed)
	assert.Zero(t, sum.Succeeded)
	for _, res := range sum.Results {
		assert.Equal(t, int64(99), res.ActualChuteID, "parcel %s", res.ParcelID)
		assert.Contains(t, res.FailureReason, "consistency violation")
	}
}

func TestRunner_PacedRelease(t *testing.T) {
	r := NewRunner(loadTopology(t), nil)
	sum, err := r.Run(context.Background(), RunOptions{
		Parcels:         4,
		ReleaseInterval: 20 * time.Millisecond,
		Concurrency:     4,
		Mode:            orchestrator.ModeFixed,
		FixedChute:      2,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Succeeded)
	assert.GreaterOrEqual(t, sum.Elapsed, 60*time.Millisecond)
}

func TestRunner_Cancelled(t *testing.T) {
	r := NewRunner(loadTopology(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, RunOptions{
		Parcels:     50,
		Concurrency: 2,
		Executor:    ExecutorOptions{SegmentLatency: 20 * time.Millisecond},
	})
	assert.Error(t, err)
}

func TestRunner_RejectsEmptyRun(t *testing.T) {
	_, err := NewRunner(loadTopology(t), nil).Run(context.Background(), RunOptions{})
	assert.Error(t, err)
}
