package model

import (
	"encoding/json"
	"sort"
	"time"
)

// IncompleteReason records which session boundary, if any, was not observed.
type IncompleteReason string

const (
	ReasonNone         IncompleteReason = "none"
	ReasonMissingStart IncompleteReason = "missing_start"
	ReasonMissingEnd   IncompleteReason = "missing_end"
	ReasonLogTruncated IncompleteReason = "log_truncated"
)

// EventIDSet is a set of event ids. It serializes as a sorted array.
type EventIDSet map[string]struct{}

// NewEventIDSet returns a set holding ids.
func NewEventIDSet(ids ...string) EventIDSet {
	s := make(EventIDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id; empty ids are ignored.
func (s EventIDSet) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

// Has reports whether id is in the set.
func (s EventIDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Union adds every id of other to s.
func (s EventIDSet) Union(other EventIDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Sorted returns the ids in lexical order.
func (s EventIDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON encodes the set as a sorted array.
func (s EventIDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of ids.
func (s *EventIDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewEventIDSet(ids...)
	return nil
}

// CameraSession is one continuous use of the camera by one app.
type CameraSession struct {
	ID        string     `json:"id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// PackageName is the attributed app. ComponentPackage holds the raw
	// package when attribution came from a task-root override.
	PackageName      string `json:"package_name"`
	ComponentPackage string `json:"component_package,omitempty"`

	ProcessID       *int  `json:"process_id,omitempty"`
	CameraDeviceIDs []int `json:"camera_device_ids,omitempty"`

	StartEventID   string     `json:"start_event_id,omitempty"`
	EndEventID     string     `json:"end_event_id,omitempty"`
	SourceEventIDs EventIDSet `json:"source_event_ids"`
	SourceLogTypes []string   `json:"source_log_types"`

	IncompleteReason  IncompleteReason `json:"incomplete_reason"`
	CompletenessScore float64          `json:"completeness_score"`
	CaptureIDs        []string         `json:"capture_ids,omitempty"`
}

// IsIncomplete reports whether the session has no end time.
func (s *CameraSession) IsIncomplete() bool {
	return s.EndTime == nil
}

// Hosted reports whether the session was attributed through a task-root override.
func (s *CameraSession) Hosted() bool {
	return s.ComponentPackage != "" && s.ComponentPackage != s.PackageName
}

// Duration returns the session length; ok is false for open sessions.
func (s *CameraSession) Duration() (d time.Duration, ok bool) {
	if s.EndTime == nil {
		return 0, false
	}
	return s.EndTime.Sub(s.StartTime), true
}

// Window returns the span over which evidence may be attributed to the
// session. Open sessions extend by the correlation window.
func (s *CameraSession) Window(correlation time.Duration) (start, end time.Time) {
	if s.EndTime != nil {
		return s.StartTime, *s.EndTime
	}
	return s.StartTime, s.StartTime.Add(correlation)
}

// SetEnd sets the end time; it never moves the end before the start.
func (s *CameraSession) SetEnd(t time.Time) {
	if t.Before(s.StartTime) {
		t = s.StartTime
	}
	s.EndTime = &t
}

// AddSource records a contributing source name, keeping the list sorted and unique.
func (s *CameraSession) AddSource(name string) {
	i := sort.SearchStrings(s.SourceLogTypes, name)
	if i < len(s.SourceLogTypes) && s.SourceLogTypes[i] == name {
		return
	}
	s.SourceLogTypes = append(s.SourceLogTypes, "")
	copy(s.SourceLogTypes[i+1:], s.SourceLogTypes[i:])
	s.SourceLogTypes[i] = name
}

// HasSource reports whether name contributed to the session.
func (s *CameraSession) HasSource(name string) bool {
	i := sort.SearchStrings(s.SourceLogTypes, name)
	return i < len(s.SourceLogTypes) && s.SourceLogTypes[i] == name
}

// AddDeviceID appends id if it has not been seen yet.
func (s *CameraSession) AddDeviceID(id int) {
	for _, existing := range s.CameraDeviceIDs {
		if existing == id {
			return
		}
	}
	s.CameraDeviceIDs = append(s.CameraDeviceIDs, id)
}

// MarshalJSON adds the derived is_incomplete flag.
func (s *CameraSession) MarshalJSON() ([]byte, error) {
	type alias CameraSession
	return json.Marshal(struct {
		*alias
		IsIncomplete bool `json:"is_incomplete"`
	}{alias: (*alias)(s), IsIncomplete: s.IsIncomplete()})
}
