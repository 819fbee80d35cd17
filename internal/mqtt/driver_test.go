package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/path"
	"github.com/AaronLay10/SorterEngine/internal/wheel"
)

// answer makes the transport reply to every command with fb, echoing seq.
func answer(tr *fakeTransport, d **Driver, fb Feedback) {
	tr.onPublish = func(topic string, payload []byte) {
		var cmd commandMessage
		if err := json.Unmarshal(payload, &cmd); err != nil {
			panic(err)
		}
		fb.Seq = cmd.Seq
		b, _ := json.Marshal(fb)
		(*d).HandleFeedback("sorter/diverters/1/feedback", b)
	}
}

func onlineDriver(tr *fakeTransport) *Driver {
	d := NewDriver(1, "ctrl-north", "sorter/diverters/1/cmd", "sorter/diverters/1/feedback", tr)
	d.SetOnline(true)
	return d
}

func TestDriver_ConfirmedCommand(t *testing.T) {
	tr := newFakeTransport()
	d := onlineDriver(tr)
	answer(tr, &d, Feedback{OK: true})

	ok, err := d.TurnLeft(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected confirmation, got ok=%v err=%v", ok, err)
	}

	var cmd commandMessage
	if err := json.Unmarshal(tr.published[0].payload, &cmd); err != nil {
		t.Fatalf("bad command payload: %v", err)
	}
	if tr.published[0].topic != "sorter/diverters/1/cmd" || cmd.Direction != "left" || cmd.Seq != 1 {
		t.Errorf("unexpected command: %s %+v", tr.published[0].topic, cmd)
	}
}

func TestDriver_RefusedCommand(t *testing.T) {
	tr := newFakeTransport()
	d := onlineDriver(tr)
	answer(tr, &d, Feedback{OK: false})

	ok, err := d.PassThrough(context.Background())
	if err != nil || ok {
		t.Fatalf("expected plain refusal, got ok=%v err=%v", ok, err)
	}
}

func TestDriver_FeedbackCodeBecomesDriverError(t *testing.T) {
	tr := newFakeTransport()
	d := onlineDriver(tr)
	answer(tr, &d, Feedback{Code: string(wheel.CodeUnsupportedCommand), Msg: "no right turn"})

	_, err := d.TurnRight(context.Background())
	var de *wheel.DriverError
	if !errors.As(err, &de) {
		t.Fatalf("expected DriverError, got %v", err)
	}
	if de.Code != wheel.CodeUnsupportedCommand || de.Message != "no right turn" {
		t.Errorf("unexpected driver error: %+v", de)
	}
}

func TestDriver_OfflineIsCommunicationError(t *testing.T) {
	tr := newFakeTransport()
	d := NewDriver(1, "ctrl-north", "sorter/diverters/1/cmd", "", tr)

	_, err := d.TurnLeft(context.Background())
	var de *wheel.DriverError
	if !errors.As(err, &de) || de.Code != wheel.CodeCommunicationError {
		t.Fatalf("expected communication error, got %v", err)
	}
	if tr.publishCount() != 0 {
		t.Error("offline driver must not publish")
	}
}

func TestDriver_PublishFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.pubErr = fmt.Errorf("not connected")
	d := onlineDriver(tr)

	_, err := d.TurnLeft(context.Background())
	var de *wheel.DriverError
	if !errors.As(err, &de) || de.Code != wheel.CodeCommunicationError {
		t.Fatalf("expected communication error, got %v", err)
	}
}

func TestDriver_NoFeedbackTimesOut(t *testing.T) {
	tr := newFakeTransport()
	d := onlineDriver(tr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.TurnLeft(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDriver_LateFeedbackReported(t *testing.T) {
	events.Clear()
	d := onlineDriver(newFakeTransport())

	d.HandleFeedback("sorter/diverters/1/feedback", []byte(`{"seq":42,"ok":true}`))
	if len(events.Find("device.feedback")) != 1 {
		t.Error("expected device.feedback for unknown seq")
	}

	d.HandleFeedback("sorter/diverters/1/feedback", []byte(`garbage`))
	if len(events.Find("device.error")) != 1 {
		t.Error("expected device.error for malformed feedback")
	}
}

func TestDriver_ThroughWheelExecutor(t *testing.T) {
	tr := newFakeTransport()
	registry := NewDiverterRegistry(testDefs(), tr)
	registry.SetOnline([]int64{1}, true)
	d := registry.Driver(1)
	answer(tr, &d, Feedback{OK: true})

	exec := wheel.NewExecutor(registry)
	res, err := exec.Execute(context.Background(), wheel.Command{DiverterID: 1, Direction: path.Straight, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}

	res, err = exec.Execute(context.Background(), wheel.Command{DiverterID: 2, Direction: path.Straight, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ErrorCode != wheel.CodeCommunicationError {
		t.Errorf("expected communication error for offline diverter, got %+v", res)
	}
}
