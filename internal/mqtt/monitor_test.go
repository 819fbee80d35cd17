package mqtt

import (
	"testing"
	"time"

	"github.com/AaronLay10/SorterEngine/internal/events"
)

func newTestMonitor() (*Monitor, *DiverterRegistry, *time.Time) {
	registry := NewDiverterRegistry(testDefs(), newFakeTransport())
	m := NewMonitor(registry, 10*time.Second)
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, registry, &now
}

func TestMonitor_RegistrationBringsDivertersOnline(t *testing.T) {
	events.Clear()
	m, registry, _ := newTestMonitor()

	result := m.HandleRegistration(registrationFor(1, 2))
	if !result.Valid {
		t.Fatalf("expected valid registration: %v", result.Errors)
	}
	if !registry.Driver(1).Online() || !registry.Driver(2).Online() {
		t.Error("expected diverters 1 and 2 online")
	}
	if registry.Driver(3).Online() {
		t.Error("diverter 3 belongs to another controller")
	}
	if got := len(events.Find("device.connected")); got != 2 {
		t.Errorf("expected 2 device.connected events, got %d", got)
	}
	if ids := m.ConnectedControllers(); len(ids) != 1 || ids[0] != "ctrl-north" {
		t.Errorf("unexpected connected controllers: %v", ids)
	}
}

func TestMonitor_InvalidRegistrationStaysOffline(t *testing.T) {
	events.Clear()
	m, registry, _ := newTestMonitor()

	result := m.HandleRegistration(registrationFor(1))
	if result.Valid {
		t.Fatal("expected invalid registration")
	}
	if registry.Driver(1).Online() {
		t.Error("diverters must stay offline after a rejected registration")
	}
	if len(events.Find("device.error")) != 1 {
		t.Error("expected device.error")
	}
	if m.GetControllerState("ctrl-north") != nil {
		t.Error("rejected controller must not be tracked")
	}
}

func TestMonitor_HeartbeatTimeoutTakesDivertersOffline(t *testing.T) {
	events.Clear()
	m, registry, now := newTestMonitor()
	m.HandleRegistration(registrationFor(1, 2))

	// heartbeat_sec 5 with tolerance 2 gives a 10s window.
	*now = now.Add(8 * time.Second)
	if !m.HandleHeartbeat("ctrl-north") {
		t.Fatal("expected heartbeat to be accepted")
	}
	*now = now.Add(9 * time.Second)
	m.checkHealth()
	if !registry.Driver(1).Online() {
		t.Fatal("controller within its window must stay online")
	}

	*now = now.Add(2 * time.Second)
	m.checkHealth()
	if registry.Driver(1).Online() || registry.Driver(2).Online() {
		t.Error("expected diverters offline after heartbeat timeout")
	}
	if got := len(events.Find("device.disconnected")); got != 2 {
		t.Errorf("expected 2 device.disconnected events, got %d", got)
	}
	if m.HandleHeartbeat("ctrl-north") {
		t.Error("heartbeat after disconnect must require a new registration")
	}

	// Second check does not repeat the events.
	m.checkHealth()
	if got := len(events.Find("device.disconnected")); got != 2 {
		t.Errorf("expected no repeated events, got %d", got)
	}
}

func TestMonitor_ReconnectFlagged(t *testing.T) {
	events.Clear()
	m, _, now := newTestMonitor()
	m.HandleRegistration(registrationFor(1, 2))
	*now = now.Add(time.Minute)
	m.checkHealth()

	events.Clear()
	m.HandleRegistration(registrationFor(1, 2))
	connected := events.Find("device.connected")
	if len(connected) != 2 || connected[0].Fields["reconnect"] != true {
		t.Errorf("expected reconnect events, got %+v", connected)
	}
}

func TestMonitor_DefaultTimeoutWithoutHeartbeatInterval(t *testing.T) {
	m, registry, now := newTestMonitor()
	p := registrationFor(1, 2)
	p.Controller.HeartbeatSec = 0
	m.HandleRegistration(p)

	*now = now.Add(9 * time.Second)
	m.checkHealth()
	if !registry.Driver(1).Online() {
		t.Fatal("expected online within the default timeout")
	}
	*now = now.Add(2 * time.Second)
	m.checkHealth()
	if registry.Driver(1).Online() {
		t.Error("expected offline after the default timeout")
	}
}
