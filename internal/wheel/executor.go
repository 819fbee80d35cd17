// Package wheel executes single direction commands against wheel diverters
// and turns every driver-level outcome into a uniform OperationResult.
package wheel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/AaronLay10/SorterEngine/internal/metrics"
	"github.com/AaronLay10/SorterEngine/internal/path"
)

// ErrorCode is the uniform result code of a wheel command.
type ErrorCode string

const (
	CodeOK                 ErrorCode = "OK"
	CodeWheelNotFound      ErrorCode = "WheelNotFound"
	CodeCommandTimeout     ErrorCode = "WheelCommandTimeout"
	CodeCommandFailed      ErrorCode = "WheelCommandFailed"
	CodeCommunicationError ErrorCode = "WheelCommunicationError"
	CodeUnsupportedCommand ErrorCode = "WheelUnsupportedCommand"
)

const (
	DefaultTimeout       = 2 * time.Second
	DefaultMaxConcurrent = 1
)

// Diverter is one addressable wheel diverter. Each call blocks until the
// actuator confirms, rejects, or ctx is done. ok=false means the actuator
// answered but refused or failed the motion.
type Diverter interface {
	TurnLeft(ctx context.Context) (ok bool, err error)
	TurnRight(ctx context.Context) (ok bool, err error)
	PassThrough(ctx context.Context) (ok bool, err error)
}

// Registry resolves diverter ids to drivers.
type Registry interface {
	Diverter(id int64) (Diverter, bool)
}

// StaticRegistry is a fixed id -> diverter map.
type StaticRegistry map[int64]Diverter

func (r StaticRegistry) Diverter(id int64) (Diverter, bool) {
	d, ok := r[id]
	return d, ok
}

// DriverError is a typed fault raised by a vendor driver. Its Code is
// reported verbatim by the executor.
type DriverError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *DriverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// Command asks one diverter to take one direction.
type Command struct {
	DiverterID int64
	Direction  path.Direction
	// Timeout bounds the whole call. Zero uses the executor default.
	Timeout time.Duration
}

// OperationResult is the uniform outcome of a command.
type OperationResult struct {
	Success   bool
	ErrorCode ErrorCode
	Message   string
	Duration  time.Duration
}

// Executor sends commands to diverters, bounding the number of outstanding
// commands per diverter.
type Executor struct {
	registry       Registry
	defaultTimeout time.Duration
	maxConcurrent  int64
	logger         *zap.Logger

	mu    sync.Mutex
	slots map[int64]*semaphore.Weighted
}

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultTimeout sets the timeout used when a command carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxConcurrent caps outstanding commands per diverter.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrent = int64(n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates a command executor over a diverter registry.
func NewExecutor(registry Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:       registry,
		defaultTimeout: DefaultTimeout,
		maxConcurrent:  DefaultMaxConcurrent,
		logger:         zap.NewNop(),
		slots:          make(map[int64]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one command. The returned error is non-nil only when the
// caller's ctx ended; every other outcome is described by the result.
func (e *Executor) Execute(ctx context.Context, cmd Command) (OperationResult, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return OperationResult{}, err
	}

	diverter, ok := e.registry.Diverter(cmd.DiverterID)
	if !ok || diverter == nil {
		return e.finish(start, CodeWheelNotFound, fmt.Sprintf("diverter %d not found", cmd.DiverterID)), nil
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slot := e.slot(cmd.DiverterID)
	if err := slot.Acquire(cmdCtx, 1); err != nil {
		if ctx.Err() != nil {
			return OperationResult{}, ctx.Err()
		}
		return e.finish(start, CodeCommandTimeout,
			fmt.Sprintf("diverter %d busy: no command slot within %s", cmd.DiverterID, timeout)), nil
	}
	defer slot.Release(1)

	var (
		confirmed bool
		err       error
	)
	switch cmd.Direction {
	case path.Left:
		confirmed, err = diverter.TurnLeft(cmdCtx)
	case path.Right:
		confirmed, err = diverter.TurnRight(cmdCtx)
	case path.Straight:
		confirmed, err = diverter.PassThrough(cmdCtx)
	default:
		return e.finish(start, CodeUnsupportedCommand,
			fmt.Sprintf("diverter %d: unsupported direction %s", cmd.DiverterID, cmd.Direction)), nil
	}

	// Caller cancellation wins over anything the driver reported.
	if ctx.Err() != nil {
		return OperationResult{}, ctx.Err()
	}

	if err != nil {
		var de *DriverError
		switch {
		case errors.Is(cmdCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			return e.finish(start, CodeCommandTimeout,
				fmt.Sprintf("diverter %d did not confirm %s within %s", cmd.DiverterID, cmd.Direction, timeout)), nil
		case errors.As(err, &de) && de.Code != "" && de.Code != CodeOK:
			return e.finish(start, de.Code, de.Error()), nil
		default:
			return e.finish(start, CodeCommunicationError,
				fmt.Sprintf("diverter %d communication error: %v", cmd.DiverterID, err)), nil
		}
	}

	if !confirmed {
		return e.finish(start, CodeCommandFailed,
			fmt.Sprintf("diverter %d reported failure for %s", cmd.DiverterID, cmd.Direction)), nil
	}

	return e.finish(start, CodeOK, ""), nil
}

func (e *Executor) finish(start time.Time, code ErrorCode, msg string) OperationResult {
	metrics.RecordWheelCommand(string(code))
	res := OperationResult{
		Success:   code == CodeOK,
		ErrorCode: code,
		Message:   msg,
		Duration:  time.Since(start),
	}
	if !res.Success {
		e.logger.Warn("wheel command failed",
			zap.String("code", string(code)),
			zap.String("msg", msg),
			zap.Duration("duration", res.Duration))
	}
	return res
}

func (e *Executor) slot(diverterID int64) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[diverterID]
	if !ok {
		s = semaphore.NewWeighted(e.maxConcurrent)
		e.slots[diverterID] = s
	}
	return s
}
