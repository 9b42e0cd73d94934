package model

import "time"

// CaptureEvent is a photograph detected inside a session.
type CaptureEvent struct {
	ID            string    `json:"id"`
	CaptureTime   time.Time `json:"capture_time"`
	PackageName   string    `json:"package_name"`
	SessionID     string    `json:"session_id"`
	ArtifactTypes []string  `json:"artifact_types"`
	Score         float64   `json:"score"`
	Strategy      string    `json:"strategy"`
}

// RunSummary carries counts describing one analysis run.
type RunSummary struct {
	InputEvents        int `json:"input_events"`
	SkippedEvents      int `json:"skipped_events"`
	DuplicateEvents    int `json:"duplicate_events"`
	Sessions           int `json:"sessions"`
	Captures           int `json:"captures"`
	UsedWithoutCapture int `json:"used_without_capture"`
}

// AnalysisResult is the output of one analysis run.
type AnalysisResult struct {
	Success  bool             `json:"success"`
	Sessions []*CameraSession `json:"sessions"`
	Captures []*CaptureEvent  `json:"captures"`
	Summary  RunSummary       `json:"summary"`
}

// SessionByID returns the session with the given id, or nil.
func (r *AnalysisResult) SessionByID(id string) *CameraSession {
	for _, s := range r.Sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}
