// Package model defines the normalized event, configuration and result types
// shared by every stage of the camera correlation pipeline.
package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Marker event types consumed by session sources.
const (
	EventActivityResumed  = "ACTIVITY_RESUMED"
	EventActivityPaused   = "ACTIVITY_PAUSED"
	EventActivityStopped  = "ACTIVITY_STOPPED"
	EventCameraConnect    = "CAMERA_CONNECT"
	EventCameraDisconnect = "CAMERA_DISCONNECT"
)

// Artifact event types credited by capture strategies.
const (
	ArtifactDatabaseInsert        = "DATABASE_INSERT"
	ArtifactVibration             = "VIBRATION_EVENT"
	ArtifactForegroundService     = "FOREGROUND_SERVICE"
	ArtifactPlayerCreated         = "PLAYER_CREATED"
	ArtifactPlayerReleased        = "PLAYER_RELEASED"
	ArtifactPlayerEvent           = "PLAYER_EVENT"
	ArtifactMediaExtractor        = "MEDIA_EXTRACTOR"
	ArtifactCameraActivityRefresh = "CAMERA_ACTIVITY_REFRESH"
	ArtifactURIPermissionGrant    = "URI_PERMISSION_GRANT"
	ArtifactURIPermissionRevoke   = "URI_PERMISSION_REVOKE"
	ArtifactSilentCameraCapture   = "SILENT_CAMERA_CAPTURE"
)

// Well-known attribute keys.
const (
	AttrDeviceID        = "device_id"
	AttrCameraID        = "camera_id"
	AttrTaskRootPackage = "task_root_package"
	AttrProcessID       = "pid"
	AttrClass           = "class"
)

var (
	// ErrMissingID is returned by Validate for events without an id.
	ErrMissingID = errors.New("event has no id")
	// ErrMissingTimestamp is returned by Validate for events with a zero timestamp.
	ErrMissingTimestamp = errors.New("event has no timestamp")
	// ErrMissingType is returned by Validate for events without an event type.
	ErrMissingType = errors.New("event has no type")
)

// NormalizedLogEvent is one event as produced by the external log parser.
// Events are treated as immutable once created.
type NormalizedLogEvent struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Source      string         `json:"source"`
	PackageName string         `json:"package_name,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Validate reports whether the event carries the fields every stage relies on.
func (e *NormalizedLogEvent) Validate() error {
	if e == nil {
		return errors.New("nil event")
	}
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%s: %w", e.ID, ErrMissingTimestamp)
	}
	if e.EventType == "" {
		return fmt.Errorf("%s: %w", e.ID, ErrMissingType)
	}
	return nil
}

// String returns the attribute under key when it is a non-empty string.
func (e *NormalizedLogEvent) String(key string) (string, bool) {
	v, ok := e.Attributes[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Int returns the attribute under key as an integer. Native integers, floats
// with an integral value, decimal strings and 0x-prefixed hex strings are accepted.
func (e *NormalizedLogEvent) Int(key string) (int64, bool) {
	v, ok := e.Attributes[key]
	if !ok {
		return 0, false
	}
	return AsInt(v)
}

// AsInt converts an attribute value to an integer using the rules of Int.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case string:
		s := strings.TrimSpace(n)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			i, err := strconv.ParseInt(s[2:], 16, 64)
			return i, err == nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// DeviceID returns the camera device id carried by the event, if any.
func (e *NormalizedLogEvent) DeviceID() (int, bool) {
	for _, key := range []string{AttrDeviceID, AttrCameraID} {
		if id, ok := e.Int(key); ok {
			return int(id), true
		}
	}
	return 0, false
}

// ProcessID returns the process id attribute, if any.
func (e *NormalizedLogEvent) ProcessID() (int, bool) {
	pid, ok := e.Int(AttrProcessID)
	return int(pid), ok
}

// TaskRootPackage returns the task-root package override, if any.
func (e *NormalizedLogEvent) TaskRootPackage() string {
	s, _ := e.String(AttrTaskRootPackage)
	return s
}

// AttributeCount returns the number of attributes on the event.
func (e *NormalizedLogEvent) AttributeCount() int {
	return len(e.Attributes)
}
