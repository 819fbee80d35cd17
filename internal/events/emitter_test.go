package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	appended []string
	sessions []string
	err      error
}

func (s *fakeStore) Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.appended = append(s.appended, event)
	s.sessions = append(s.sessions, sessionID)
	return nil
}

func TestEmitRejectsUnknownEvent(t *testing.T) {
	if _, err := Emit("info", "chute.full", "", nil); err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestEmitPersistsWithSessionID(t *testing.T) {
	Clear()
	store := &fakeStore{}
	SetStore(store)
	SetSessionID("session-1")
	defer SetStore(nil)
	defer SetSessionID("")

	before := TotalCount()
	if _, err := Emit("info", "parcel.completed", "", map[string]interface{}{"parcel_id": "7"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if TotalCount() != before+1 {
		t.Errorf("expected total count %d, got %d", before+1, TotalCount())
	}
	if len(store.appended) != 1 || store.appended[0] != "parcel.completed" {
		t.Fatalf("expected parcel.completed persisted, got %v", store.appended)
	}
	if store.sessions[0] != "session-1" {
		t.Errorf("expected session-1, got %q", store.sessions[0])
	}
}

func TestEmitStoreFailureLoggedOnce(t *testing.T) {
	Clear()
	SetStore(&fakeStore{err: errors.New("connection refused")})
	defer SetStore(nil)

	for i := 0; i < 3; i++ {
		if _, err := Emit("info", "parcel.detected", "", nil); err != nil {
			t.Fatalf("emit should not fail on store error: %v", err)
		}
	}

	if got := len(Find("system.error")); got != 1 {
		t.Errorf("expected exactly one system.error, got %d", got)
	}
	if got := len(Find("parcel.detected")); got != 3 {
		t.Errorf("expected 3 parcel.detected events, got %d", got)
	}
}
