package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/events"
)

func TestAlertForEvent(t *testing.T) {
	tests := []struct {
		name     string
		alert    string
		severity string
		ok       bool
	}{
		{"path.misrouted", AlertParcelMisrouted, SeverityCritical, true},
		{"device.disconnected", AlertDiverterOffline, SeverityWarning, true},
		{"parcel.lost", AlertParcelLost, SeverityWarning, true},
		{"system.error", AlertSystemError, SeverityCritical, true},
		{"parcel.completed", "", "", false},
		{"segment.failed", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert, severity, ok := alertForEvent(events.Event{Name: tt.name})
			if alert != tt.alert || severity != tt.severity || ok != tt.ok {
				t.Errorf("alertForEvent(%s) = (%q, %q, %v), want (%q, %q, %v)",
					tt.name, alert, severity, ok, tt.alert, tt.severity, tt.ok)
			}
		})
	}
}

func TestAlertMonitorPostsEventAlerts(t *testing.T) {
	received := make(chan AlertPayload, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p AlertPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			received <- p
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	alertMu.Lock()
	prevURL := alertConfig.WebhookURL
	alertConfig.WebhookURL = srv.URL
	alertMu.Unlock()
	prevLine := GetLineID()
	SetLineID("line-test")
	t.Cleanup(func() {
		alertMu.Lock()
		alertConfig.WebhookURL = prevURL
		alertMu.Unlock()
		SetLineID(prevLine)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartAlertMonitor(ctx, time.Hour)

	events.Emit("info", "parcel.completed", "sorted", map[string]interface{}{"parcel_id": "1"})
	events.Emit("error", "path.misrouted", "parcel reached the wrong chute", map[string]interface{}{
		"parcel_id": "2",
	})

	select {
	case p := <-received:
		if p.Event != AlertParcelMisrouted {
			t.Errorf("event = %q, want %q", p.Event, AlertParcelMisrouted)
		}
		if p.Severity != SeverityCritical {
			t.Errorf("severity = %q, want %q", p.Severity, SeverityCritical)
		}
		if p.LineID != "line-test" {
			t.Errorf("line_id = %q, want line-test", p.LineID)
		}
		if p.Details["parcel_id"] != "2" {
			t.Errorf("details = %v, want parcel_id 2", p.Details)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook alert")
	}

	select {
	case p := <-received:
		t.Errorf("unexpected second alert: %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOutageObserve(t *testing.T) {
	o := &outage{alert: AlertMQTTDisconnected, severity: SeverityCritical, what: "MQTT broker"}
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	delay := 30 * time.Second

	if _, ok := o.observe(true, start, delay); ok {
		t.Fatal("healthy dependency raised an alert")
	}
	if _, ok := o.observe(false, start, delay); ok {
		t.Fatal("alert raised before the delay elapsed")
	}
	if _, ok := o.observe(false, start.Add(10*time.Second), delay); ok {
		t.Fatal("alert raised before the delay elapsed")
	}

	p, ok := o.observe(false, start.Add(31*time.Second), delay)
	if !ok {
		t.Fatal("no alert after the delay elapsed")
	}
	if p.Event != AlertMQTTDisconnected || p.Severity != SeverityCritical {
		t.Errorf("outage alert = %s/%s", p.Event, p.Severity)
	}
	if p.Details["disconnected_seconds"] != 31 {
		t.Errorf("disconnected_seconds = %v, want 31", p.Details["disconnected_seconds"])
	}

	if _, ok := o.observe(false, start.Add(2*time.Minute), delay); ok {
		t.Error("outage alerted twice")
	}

	p, ok = o.observe(true, start.Add(3*time.Minute), delay)
	if !ok || p.Severity != SeverityInfo {
		t.Fatalf("recovery = %+v, %v; want info alert", p, ok)
	}
	if _, ok := o.observe(true, start.Add(4*time.Minute), delay); ok {
		t.Error("recovery alerted twice")
	}
}

func TestOutageShortBlipDoesNotAlert(t *testing.T) {
	o := &outage{alert: AlertPostgresUnavailable, severity: SeverityWarning, what: "PostgreSQL"}
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	o.observe(false, start, 5*time.Second)
	if _, ok := o.observe(true, start.Add(time.Second), 5*time.Second); ok {
		t.Error("recovery alert without a prior outage alert")
	}
	if _, ok := o.observe(false, start.Add(2*time.Second), 5*time.Second); ok {
		t.Error("new outage alerted immediately")
	}
}

func TestEventAlertLimiter(t *testing.T) {
	alertMu.Lock()
	prev := alertConfig.EventAlertsPerMinute
	alertConfig.EventAlertsPerMinute = 2
	alertMu.Unlock()
	t.Cleanup(func() {
		alertMu.Lock()
		alertConfig.EventAlertsPerMinute = prev
		alertMu.Unlock()
	})

	l := eventAlertLimiter()
	if !l.Allow() || !l.Allow() {
		t.Fatal("burst of 2 not allowed")
	}
	if l.Allow() {
		t.Error("third alert within a minute allowed")
	}
}
