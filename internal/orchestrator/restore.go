package orchestrator

import (
	"fmt"
	"sort"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/storage/postgres"
)

// DefaultRestoreLimit is the default number of events to load for reconciliation.
const DefaultRestoreLimit = 1000

// EventSource returns persisted events, newest first. *postgres.Client implements it.
type EventSource interface {
	Query(limit int) ([]postgres.EventRow, error)
}

// Reconciliation lists parcels that were detected but never finished
// before the previous process stopped.
type Reconciliation struct {
	Lost []LostParcel
}

// LostParcel is a parcel with a detection but no terminal event.
type LostParcel struct {
	ParcelID  string
	SessionID string
	Target    int64
}

// ReconcileFromEvents loads recent events and finds parcels left in flight
// by a crash. Returns nil if source is nil or holds no events.
func ReconcileFromEvents(source EventSource, limit int) (*Reconciliation, int, error) {
	if source == nil {
		return nil, 0, nil
	}
	if limit <= 0 {
		limit = DefaultRestoreLimit
	}

	rows, err := source.Query(limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}

	// Query returns DESC; walk chronologically.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	open := make(map[string]*LostParcel)
	for _, row := range rows {
		id, ok := row.Fields["parcel_id"].(string)
		if !ok || id == "" {
			continue
		}
		switch row.Event {
		case "parcel.detected":
			lp := &LostParcel{ParcelID: id}
			if row.SessionID != nil {
				lp.SessionID = *row.SessionID
			}
			open[id] = lp
		case "path.generated":
			if lp, ok := open[id]; ok {
				lp.Target = fieldInt64(row.Fields["chute_id"])
			}
		case "parcel.completed", "parcel.failed", "parcel.rejected", "parcel.lost":
			delete(open, id)
		}
	}

	rec := &Reconciliation{Lost: make([]LostParcel, 0, len(open))}
	for _, lp := range open {
		rec.Lost = append(rec.Lost, *lp)
	}
	sort.Slice(rec.Lost, func(i, j int) bool {
		return rec.Lost[i].ParcelID < rec.Lost[j].ParcelID
	})
	return rec, len(rows), nil
}

// fieldInt64 reads a JSON number field decoded into interface{}.
func fieldInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// EmitLostParcels reports each lost parcel once, then emits the
// system.startup_restore summary.
func EmitLostParcels(rec *Reconciliation, scanned int, lineID string) {
	lost := 0
	if rec != nil {
		for _, lp := range rec.Lost {
			events.Emit("warn", "parcel.lost", "parcel in flight at shutdown", map[string]interface{}{
				"parcel_id":    lp.ParcelID,
				"session_id":   lp.SessionID,
				"target_chute": lp.Target,
			})
		}
		lost = len(rec.Lost)
	}
	events.Emit("info", "system.startup_restore", "", map[string]interface{}{
		"scanned": scanned,
		"lost":    lost,
		"line_id": lineID,
	})
}
