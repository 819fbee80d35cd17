package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/storage/postgres"
)

type fakeEventSource struct {
	rows []postgres.EventRow
	err  error
}

func (f *fakeEventSource) Query(limit int) ([]postgres.EventRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	// Newest first, like the Postgres client.
	out := make([]postgres.EventRow, 0, len(f.rows))
	for i := len(f.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.rows[i])
	}
	return out, nil
}

func row(event, parcelID string, extra map[string]interface{}) postgres.EventRow {
	fields := map[string]interface{}{"parcel_id": parcelID}
	for k, v := range extra {
		fields[k] = v
	}
	return postgres.EventRow{Timestamp: time.Now(), Event: event, Fields: fields}
}

func TestReconcileFromEventsNilSource(t *testing.T) {
	rec, count, err := ReconcileFromEvents(nil, 100)
	if err != nil {
		t.Errorf("expected no error with nil source, got %v", err)
	}
	if rec != nil {
		t.Error("expected nil reconciliation with nil source")
	}
	if count != 0 {
		t.Errorf("expected 0 count with nil source, got %d", count)
	}
}

func TestReconcileFromEventsQueryError(t *testing.T) {
	_, _, err := ReconcileFromEvents(&fakeEventSource{err: errors.New("connection refused")}, 0)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestReconcileFromEventsFindsLostParcels(t *testing.T) {
	session := "sess-1"
	detected := row("parcel.detected", "3", nil)
	detected.SessionID = &session

	src := &fakeEventSource{rows: []postgres.EventRow{
		row("parcel.detected", "1", nil),
		row("path.generated", "1", map[string]interface{}{"chute_id": float64(5)}),
		row("parcel.completed", "1", nil),
		row("parcel.detected", "2", nil),
		row("path.generated", "2", map[string]interface{}{"chute_id": float64(7)}),
		detected,
		row("parcel.failed", "4", nil),
		{Event: "system.startup"},
	}}

	rec, count, err := ReconcileFromEvents(src, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 8 {
		t.Errorf("expected 8 scanned events, got %d", count)
	}
	if len(rec.Lost) != 2 {
		t.Fatalf("expected 2 lost parcels, got %d: %+v", len(rec.Lost), rec.Lost)
	}
	if rec.Lost[0].ParcelID != "2" || rec.Lost[0].Target != 7 {
		t.Errorf("unexpected first lost parcel: %+v", rec.Lost[0])
	}
	if rec.Lost[1].ParcelID != "3" || rec.Lost[1].SessionID != "sess-1" {
		t.Errorf("unexpected second lost parcel: %+v", rec.Lost[1])
	}
}

func TestReconcileIgnoresAlreadyLostParcels(t *testing.T) {
	src := &fakeEventSource{rows: []postgres.EventRow{
		row("parcel.detected", "9", nil),
		row("parcel.lost", "9", nil),
	}}
	rec, _, err := ReconcileFromEvents(src, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Lost) != 0 {
		t.Errorf("expected no lost parcels, got %+v", rec.Lost)
	}
}

func TestEmitLostParcels(t *testing.T) {
	events.Clear()
	EmitLostParcels(&Reconciliation{Lost: []LostParcel{{ParcelID: "2", Target: 7}}}, 10, "line-a")

	lost := events.Find("parcel.lost")
	if len(lost) != 1 {
		t.Fatalf("expected 1 parcel.lost event, got %d", len(lost))
	}
	if lost[0].Fields["parcel_id"] != "2" {
		t.Errorf("unexpected parcel id: %v", lost[0].Fields["parcel_id"])
	}
	summary := events.Find("system.startup_restore")
	if len(summary) != 1 || summary[0].Fields["lost"] != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}
