package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var buffer = NewRingBuffer(256)

var totalEmitted atomic.Int64

// Store persists emitted events. The Postgres client implements it.
type Store interface {
	Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error
}

var (
	store         Store
	sessionID     string
	storeMu       sync.RWMutex
	storeErrorLog bool
)

// SetStore sets the store used for event persistence. nil disables persistence.
func SetStore(s Store) {
	storeMu.Lock()
	store = s
	storeErrorLog = false
	storeMu.Unlock()
}

// SetSessionID stamps subsequently persisted events with a sorting session id.
func SetSessionID(id string) {
	storeMu.Lock()
	sessionID = id
	storeMu.Unlock()
}

// SessionID returns the current sorting session id.
func SessionID() string {
	storeMu.RLock()
	defer storeMu.RUnlock()
	return sessionID
}

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	buffer.Add(e)
	totalEmitted.Add(1)
	broadcast(e)

	// Persistence never blocks or fails the caller.
	storeMu.RLock()
	s := store
	sid := sessionID
	errorLogged := storeErrorLog
	storeMu.RUnlock()

	if s != nil {
		if err := s.Append(ts, level, name, msg, fields, sid); err != nil && !errorLogged {
			storeMu.Lock()
			first := !storeErrorLog
			storeErrorLog = true
			storeMu.Unlock()
			if first {
				// Straight into the ring buffer: going through Emit would recurse
				// while the store keeps failing.
				buffer.Add(Event{
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
					Level:     "error",
					Name:      "system.error",
					Message:   "event store append failed",
					Fields: map[string]interface{}{
						"error": err.Error(),
					},
				})
			}
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return b, nil
}

func Snapshot() []Event {
	return buffer.Snapshot()
}

// TotalCount returns the number of events emitted since startup.
func TotalCount() int64 {
	return totalEmitted.Load()
}

// Clear resets the event buffer. Used for testing.
func Clear() {
	buffer.Clear()
}

// Find returns buffered events with the given name, oldest first.
func Find(name string) []Event {
	var out []Event
	for _, e := range buffer.Snapshot() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
