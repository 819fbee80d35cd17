package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// parcel lifecycle
	"parcel.detected":  {},
	"parcel.routed":    {},
	"parcel.completed": {},
	"parcel.failed":    {},
	"parcel.rejected":  {},
	"parcel.lost":      {},

	// upstream correlation
	"upstream.notified":        {},
	"upstream.send_failed":     {},
	"upstream.timeout":         {},
	"upstream.assigned":        {},
	"upstream.late_assignment": {},
	"upstream.unknown_parcel":  {},

	// path planning and execution
	"path.generated":         {},
	"path.generation_failed": {},
	"path.executed":          {},
	"path.failed":            {},
	"path.switched":          {},
	"path.misrouted":         {},
	"segment.failed":         {},

	// reroute
	"reroute.succeeded": {},
	"reroute.failed":    {},

	// operator
	"operator.mode":  {},
	"operator.state": {},
	"operator.debug": {},

	// device
	"device.connected":    {},
	"device.disconnected": {},
	"device.feedback":     {},
	"device.error":        {},

	// system
	"system.startup":         {},
	"system.shutdown":        {},
	"system.error":           {},
	"system.startup_restore": {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
