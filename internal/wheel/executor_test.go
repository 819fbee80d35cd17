package wheel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SorterEngine/internal/path"
)

type fakeDiverter struct {
	delay    time.Duration
	ok       bool
	err      error
	calls    []path.Direction
	mu       sync.Mutex
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeDiverter) move(ctx context.Context, d path.Direction) (bool, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, d)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return f.ok, f.err
}

func (f *fakeDiverter) TurnLeft(ctx context.Context) (bool, error)    { return f.move(ctx, path.Left) }
func (f *fakeDiverter) TurnRight(ctx context.Context) (bool, error)   { return f.move(ctx, path.Right) }
func (f *fakeDiverter) PassThrough(ctx context.Context) (bool, error) { return f.move(ctx, path.Straight) }

func TestExecute_Success(t *testing.T) {
	d := &fakeDiverter{ok: true}
	exec := NewExecutor(StaticRegistry{1: d})

	res, err := exec.Execute(context.Background(), Command{DiverterID: 1, Direction: path.Right, Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, CodeOK, res.ErrorCode)
	assert.Equal(t, []path.Direction{path.Right}, d.calls)
}

func TestExecute_DispatchesByDirection(t *testing.T) {
	d := &fakeDiverter{ok: true}
	exec := NewExecutor(StaticRegistry{1: d})
	for _, dir := range []path.Direction{path.Left, path.Straight, path.Right} {
		_, err := exec.Execute(context.Background(), Command{DiverterID: 1, Direction: dir})
		require.NoError(t, err)
	}
	assert.Equal(t, []path.Direction{path.Left, path.Straight, path.Right}, d.calls)
}

func TestExecute_WheelNotFound(t *testing.T) {
	exec := NewExecutor(StaticRegistry{})
	res, err := exec.Execute(context.Background(), Command{DiverterID: 42, Direction: path.Left})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeWheelNotFound, res.ErrorCode)
}

func TestExecute_Timeout(t *testing.T) {
	d := &fakeDiverter{ok: true, delay: time.Second}
	exec := NewExecutor(StaticRegistry{1: d})

	res, err := exec.Execute(context.Background(), Command{DiverterID: 1, Direction: path.Left, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, CodeCommandTimeout, res.ErrorCode)
	assert.Less(t, res.Duration, 500*time.Millisecond)
}

func TestExecute_ActuatorReportedFailure(t *testing.T) {
	exec := NewExecutor(StaticRegistry{1: &fakeDiverter{ok: false}})
	res, err := exec.Execute(context.Background(), Command{DiverterID: 1, Direction: path.Left})
	require.NoError(t, err)
	assert.Equal(t, CodeCommandFailed, res.ErrorCode)
}

func TestExecute_DriverErrorCodePreserved(t *testing.T) {
	drvErr := &DriverError{Code: "LeadshineAxisAlarm", Message: "axis alarm 0x21"}
	exec := NewExecutor(StaticRegistry{1: &fakeDiverter{err: drvErr}})
	res, err := exec.Execute(context.Background(), Command{DiverterID: 1, Direction: path.Right})
	require.NoError(t, err)
	assert.Equal(t, ErrorCode("LeadshineAxisAlarm"), res.ErrorCode)
	assert.Contains(t, res.Message, "axis alarm")
}

func TestExecute_OtherFaultIsCommunicationError(t *testing.T) {
	exec := NewExecutor(StaticRegistry{1: &fakeDiverter{err: errors.New("broken pipe")}})
	res, err := exec.Execute(context.Background(), Command{DiverterID: 1, Direction: path.Straight})
	require.NoError(t, err)
	assert.Equal(t, CodeCommunicationError, res.ErrorCode)
}

func TestExecute_CallerCancellationPropagates(t *testing.T) {
	d := &fakeDiverter{ok: true, delay: time.Second}
	exec := NewExecutor(StaticRegistry{1: d})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := exec.Execute(ctx, Command{DiverterID: 1, Direction: path.Left, Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := NewExecutor(StaticRegistry{1: &fakeDiverter{ok: true}})
	_, err := exec.Execute(ctx, Command{DiverterID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_ConcurrencyCapPerDiverter(t *testing.T) {
	d := &fakeDiverter{ok: true, delay: 30 * time.Millisecond}
	exec := NewExecutor(StaticRegistry{1: d}, WithMaxConcurrent(1))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := exec.Execute(context.Background(), Command{DiverterID: 1, Direction: path.Left, Timeout: time.Second})
			assert.NoError(t, err)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), d.maxSeen.Load())
}

func TestExecute_BusyDiverterTimesOut(t *testing.T) {
	d := &fakeDiverter{ok: true, delay: 200 * time.Millisecond}
	exec := NewExecutor(StaticRegistry{1: d}, WithMaxConcurrent(1))

	go exec.Execute(context.Background(), Command{DiverterID: 1, Timeout: time.Second})
	time.Sleep(20 * time.Millisecond)

	res, err := exec.Execute(context.Background(), Command{DiverterID: 1, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, CodeCommandTimeout, res.ErrorCode)
}
