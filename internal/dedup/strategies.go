package dedup

import (
	"time"

	"camtrace/internal/model"
)

// TimeWindowStrategy treats same-type, same-package events within a
// tolerance as duplicates, scored by time proximity and attribute agreement.
type TimeWindowStrategy struct {
	tolerance time.Duration
}

// NewTimeWindowStrategy creates a TimeWindowStrategy.
func NewTimeWindowStrategy(tolerance time.Duration) *TimeWindowStrategy {
	return &TimeWindowStrategy{tolerance: tolerance}
}

// Name implements Strategy.
func (s *TimeWindowStrategy) Name() string { return "time_window" }

// Window implements Strategy.
func (s *TimeWindowStrategy) Window() time.Duration { return s.tolerance }

// Similarity implements Strategy.
func (s *TimeWindowStrategy) Similarity(anchor, candidate *model.NormalizedLogEvent) (float64, bool) {
	if anchor.EventType != candidate.EventType || anchor.PackageName != candidate.PackageName {
		return 0, false
	}
	near, ok := closeness(anchor.Timestamp, candidate.Timestamp, s.tolerance)
	if !ok {
		return 0, false
	}
	return round(0.4*near + 0.6*agreement(anchor, candidate)), true
}

// CameraEventStrategy handles camera open/close events, which the camera
// service and the framework both log. Events naming different camera
// devices are never duplicates.
type CameraEventStrategy struct {
	tolerance time.Duration
	types     map[string]struct{}
}

// NewCameraEventStrategy creates a CameraEventStrategy for the given types.
func NewCameraEventStrategy(tolerance time.Duration, eventTypes []string) *CameraEventStrategy {
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	return &CameraEventStrategy{tolerance: tolerance, types: types}
}

// Name implements Strategy.
func (s *CameraEventStrategy) Name() string { return "camera_event" }

// Window implements Strategy.
func (s *CameraEventStrategy) Window() time.Duration { return s.tolerance }

// Similarity implements Strategy.
func (s *CameraEventStrategy) Similarity(anchor, candidate *model.NormalizedLogEvent) (float64, bool) {
	if _, ok := s.types[anchor.EventType]; !ok {
		return 0, false
	}
	if anchor.EventType != candidate.EventType || anchor.PackageName != candidate.PackageName {
		return 0, false
	}
	near, ok := closeness(anchor.Timestamp, candidate.Timestamp, s.tolerance)
	if !ok {
		return 0, true
	}
	a, aok := anchor.DeviceID()
	b, bok := candidate.DeviceID()
	if aok && bok && a != b {
		return 0, true
	}
	return round(0.3*near + 0.7*agreement(anchor, candidate, model.AttrDeviceID, model.AttrCameraID)), true
}
