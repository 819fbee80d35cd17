package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/wheel"
)

// commandMessage is published on a diverter's command topic.
type commandMessage struct {
	Seq       uint64 `json:"seq"`
	Direction string `json:"direction"`
}

// Feedback is a controller's answer to one command.
type Feedback struct {
	Seq  uint64 `json:"seq"`
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

// Driver drives one wheel diverter over MQTT. Commands are correlated with
// feedback by sequence number.
type Driver struct {
	id            int64
	controllerID  string
	commandTopic  string
	feedbackTopic string
	transport     Transport

	online atomic.Bool
	seq    atomic.Uint64

	mu      sync.Mutex
	waiting map[uint64]chan Feedback
}

var _ wheel.Diverter = (*Driver)(nil)

// NewDriver creates an offline driver. It goes online when its controller
// registers.
func NewDriver(id int64, controllerID, commandTopic, feedbackTopic string, transport Transport) *Driver {
	return &Driver{
		id:            id,
		controllerID:  controllerID,
		commandTopic:  commandTopic,
		feedbackTopic: feedbackTopic,
		transport:     transport,
		waiting:       make(map[uint64]chan Feedback),
	}
}

func (d *Driver) ID() int64 { return d.id }
func (d *Driver) ControllerID() string { return d.controllerID }
func (d *Driver) FeedbackTopic() string { return d.feedbackTopic }
func (d *Driver) Online() bool { return d.online.Load() }
func (d *Driver) SetOnline(online bool) { d.online.Store(online) }

func (d *Driver) TurnLeft(ctx context.Context) (bool, error) {
	return d.command(ctx, path.Left)
}

func (d *Driver) TurnRight(ctx context.Context) (bool, error) {
	return d.command(ctx, path.Right)
}

func (d *Driver) PassThrough(ctx context.Context) (bool, error) {
	return d.command(ctx, path.Straight)
}

func (d *Driver) command(ctx context.Context, dir path.Direction) (bool, error) {
	if !d.Online() {
		return false, &wheel.DriverError{
			Code:    wheel.CodeCommunicationError,
			Message: fmt.Sprintf("controller %s offline", d.controllerID),
		}
	}

	seq := d.seq.Add(1)
	ch := make(chan Feedback, 1)
	d.mu.Lock()
	d.waiting[seq] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiting, seq)
		d.mu.Unlock()
	}()

	payload, err := json.Marshal(commandMessage{Seq: seq, Direction: dir.String()})
	if err != nil {
		return false, err
	}
	if err := d.transport.PublishContext(ctx, d.commandTopic, payload); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, &wheel.DriverError{
			Code:    wheel.CodeCommunicationError,
			Message: fmt.Sprintf("publish to %s", d.commandTopic),
			Err:     err,
		}
	}

	select {
	case fb := <-ch:
		if fb.OK {
			return true, nil
		}
		if fb.Code != "" {
			return false, &wheel.DriverError{Code: wheel.ErrorCode(fb.Code), Message: fb.Msg}
		}
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// HandleFeedback delivers a feedback message to its waiting command.
// Feedback for a command that already gave up is reported and dropped.
func (d *Driver) HandleFeedback(_ string, payload []byte) {
	var fb Feedback
	if err := json.Unmarshal(payload, &fb); err != nil {
		events.Emit("warn", "device.error", "malformed diverter feedback", map[string]interface{}{
			"diverter_id": d.id,
			"error":       err.Error(),
		})
		return
	}

	d.mu.Lock()
	ch, ok := d.waiting[fb.Seq]
	d.mu.Unlock()
	if !ok {
		events.Emit("debug", "device.feedback", "feedback without a waiting command", map[string]interface{}{
			"diverter_id": d.id,
			"seq":         fb.Seq,
			"ok":          fb.OK,
		})
		return
	}
	select {
	case ch <- fb:
	default:
	}
}
