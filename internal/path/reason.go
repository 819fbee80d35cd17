package path

import (
	"errors"
	"strings"
)

// FailureReason is the closed classification of path and segment failures.
type FailureReason int

const (
	// ReasonUnknown is used when nothing more specific applies.
	ReasonUnknown FailureReason = iota
	// ReasonSensorTimeout: the parcel was not seen at the expected sensor in time.
	ReasonSensorTimeout
	// ReasonTTLExpired: a segment did not confirm within its ttl.
	ReasonTTLExpired
	// ReasonUnexpectedDirection: the diverter reported a different direction than commanded.
	ReasonUnexpectedDirection
	// ReasonUpstreamBlocked: the line ahead is blocked.
	ReasonUpstreamBlocked
	// ReasonDiverterFault: the actuator or its driver failed.
	ReasonDiverterFault
	// ReasonSensorFault: a sensor reported an error.
	ReasonSensorFault
	// ReasonParcelDropout: the parcel left the tracked position.
	ReasonParcelDropout
	// ReasonPhysicalConstraint: the parcel cannot physically follow the plan.
	ReasonPhysicalConstraint
)

var reasonNames = map[FailureReason]string{
	ReasonUnknown:             "Unknown",
	ReasonSensorTimeout:       "SensorTimeout",
	ReasonTTLExpired:          "TtlExpired",
	ReasonUnexpectedDirection: "UnexpectedDirection",
	ReasonUpstreamBlocked:     "UpstreamBlocked",
	ReasonDiverterFault:       "DiverterFault",
	ReasonSensorFault:         "SensorFault",
	ReasonParcelDropout:       "ParcelDropout",
	ReasonPhysicalConstraint:  "PhysicalConstraint",
}

func (r FailureReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "Unknown"
}

// Unsafe reports whether the parcel's physical position can no longer be
// trusted after this failure.
func (r FailureReason) Unsafe() bool {
	return r == ReasonPhysicalConstraint || r == ReasonParcelDropout
}

// reasonKeywords is matched in order; the first category with a hit wins.
// Order matters: "摆轮响应超时" (wheel response timeout) classifies as
// TtlExpired, not DiverterFault, and "sensor timeout" as SensorTimeout,
// not TtlExpired or SensorFault.
var reasonKeywords = []struct {
	reason   FailureReason
	keywords []string
}{
	{ReasonSensorTimeout, []string{"sensor timeout", "sensor_timeout", "sensortimeout", "传感器超时"}},
	{ReasonTTLExpired, []string{"ttl", "timeout", "timed out", "超时"}},
	{ReasonUnexpectedDirection, []string{"unexpected direction", "unexpecteddirection", "direction mismatch", "方向错误", "方向异常"}},
	{ReasonUpstreamBlocked, []string{"upstream blocked", "upstreamblocked", "blocked", "堵塞", "阻塞"}},
	{ReasonDiverterFault, []string{"diverter", "wheel", "摆轮"}},
	{ReasonSensorFault, []string{"sensor", "传感器"}},
	{ReasonParcelDropout, []string{"dropout", "dropped", "parcel lost", "掉包", "丢失"}},
	{ReasonPhysicalConstraint, []string{"physical", "constraint", "物理"}},
}

// ParseFailureReason classifies free text from components that do not
// report a typed reason. Matching is a case-insensitive substring search.
func ParseFailureReason(text string) FailureReason {
	lower := strings.ToLower(text)
	if lower == "" {
		return ReasonUnknown
	}
	for _, entry := range reasonKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.reason
			}
		}
	}
	return ReasonUnknown
}

// FailureError carries a classified reason from the place a failure happens.
type FailureError struct {
	Reason  FailureReason
	Message string
}

func (e *FailureError) Error() string {
	return e.Message
}

// Classify returns the reason of a typed failure, falling back to keyword
// matching of the error text.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	var fe *FailureError
	if errors.As(err, &fe) && fe.Reason != ReasonUnknown {
		return fe.Reason
	}
	return ParseFailureReason(err.Error())
}
