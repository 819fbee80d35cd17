package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/AaronLay10/SorterEngine/internal/events"
	"github.com/AaronLay10/SorterEngine/internal/path"
)

// SensorTopic carries induction sensor detections; the wildcard is the sensor id.
const SensorTopic = "sorter/sensors/+/detected"

const defaultDetectionBuffer = 256

// Detection is one parcel seen by an induction sensor. ParcelID is assigned
// locally when the sensor does not supply one.
type Detection struct {
	ParcelID int64  `json:"parcel_id,omitempty"`
	SensorID string `json:"-"`
}

// ParcelHandler routes one detected parcel.
type ParcelHandler func(ctx context.Context, parcelID int64, sensorID string)

// SensorListener turns sensor messages into parcel detections.
type SensorListener struct {
	detections chan Detection
	ids        *path.IDGenerator
}

// NewSensorListener subscribes to SensorTopic. buffer bounds detections
// waiting for Run; zero uses the default.
func NewSensorListener(transport Transport, buffer int) (*SensorListener, error) {
	if buffer <= 0 {
		buffer = defaultDetectionBuffer
	}
	l := &SensorListener{
		detections: make(chan Detection, buffer),
		ids:        path.NewIDGenerator(),
	}
	if err := transport.Subscribe(SensorTopic, l.handleDetection); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SensorTopic, err)
	}
	return l, nil
}

func (l *SensorListener) handleDetection(topic string, payload []byte) {
	sensorID := sensorFromTopic(topic)
	if sensorID == "" {
		return
	}

	var d Detection
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &d); err != nil {
			events.Emit("error", "device.error", "malformed detection", map[string]interface{}{
				"sensor_id": sensorID,
				"error":     err.Error(),
			})
			return
		}
	}
	if d.ParcelID <= 0 {
		d.ParcelID = l.ids.Next()
	}
	d.SensorID = sensorID

	select {
	case l.detections <- d:
	default:
		events.Emit("error", "device.error", "detection dropped: queue full", map[string]interface{}{
			"sensor_id": sensorID,
			"parcel_id": fmt.Sprint(d.ParcelID),
		})
	}
}

// Run hands every detection to handle on its own goroutine until ctx is
// done, then waits for the handlers to return.
func (l *SensorListener) Run(ctx context.Context, handle ParcelHandler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-l.detections:
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, d.ParcelID, d.SensorID)
			}()
		}
	}
}

// sensorFromTopic extracts the sensor id from sorter/sensors/<id>/detected.
func sensorFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "sorter" || parts[1] != "sensors" {
		return ""
	}
	return parts[2]
}
