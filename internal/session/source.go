// Package session turns normalized log events into camera sessions.
//
// Each Source pairs its own start and end markers into candidate sessions.
// The Detector runs every registered source, merges candidates that describe
// the same real-world camera use, filters them and repairs missing end times.
package session

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"camtrace/internal/model"
)

// Source names and priorities of the built-in sources.
const (
	UsageStatsSourceName   = "UsageStats"
	UsageStatsPriority     = 100
	MediaServiceSourceName = "MediaCamera"
	MediaServicePriority   = 50
)

// sessionNamespace seeds deterministic session ids.
var sessionNamespace = uuid.MustParse("7d1f8a52-3c4e-4b9a-9f61-2a0c5e8b7d13")

// Source extracts candidate sessions from a flat event stream.
type Source interface {
	// Name identifies the source in SourceLogTypes.
	Name() string
	// Priority ranks the source during merge; higher wins.
	Priority() int
	// ExtractSessions returns candidate sessions ordered by start time.
	ExtractSessions(events []*model.NormalizedLogEvent, opts model.AnalysisOptions) []*model.CameraSession
}

// Config holds the package lists sources use for attribution.
type Config struct {
	// HostPackages are apps known to launch the system camera. A task-root
	// override naming one of them re-attributes the session to it.
	HostPackages []string

	// CameraPackages are apps whose activity lifecycle counts as camera use.
	CameraPackages []string
}

// Resolver maps an event to the package a session should be attributed to.
type Resolver struct {
	hosts map[string]struct{}
}

// NewResolver builds a resolver over the given host packages.
func NewResolver(hostPackages []string) Resolver {
	hosts := make(map[string]struct{}, len(hostPackages))
	for _, p := range hostPackages {
		hosts[p] = struct{}{}
	}
	return Resolver{hosts: hosts}
}

// Resolve returns the attributed package and, when attribution came from a
// task-root override, the raw component package.
func (r Resolver) Resolve(e *model.NormalizedLogEvent) (pkg, component string) {
	root := e.TaskRootPackage()
	if root != "" && root != e.PackageName {
		if _, ok := r.hosts[root]; ok {
			return root, e.PackageName
		}
	}
	return e.PackageName, ""
}

// Matches reports whether e belongs to the app that owns s.
func (r Resolver) Matches(s *model.CameraSession, e *model.NormalizedLogEvent) bool {
	if e.PackageName == "" {
		return false
	}
	if e.PackageName == s.PackageName {
		return true
	}
	if s.ComponentPackage != "" && e.PackageName == s.ComponentPackage {
		return true
	}
	pkg, _ := r.Resolve(e)
	return pkg == s.PackageName
}

type markerKind int

const (
	markerNone markerKind = iota
	markerStart
	markerEnd
)

// MarkerSource pairs start and end marker events per package.
type MarkerSource struct {
	name     string
	priority int
	starts   map[string]struct{}
	ends     map[string]struct{}
	resolver Resolver
	accept   func(e *model.NormalizedLogEvent, pkg string, hosted bool) bool
	logger   *slog.Logger

	// foldTrailing attributes an end marker seen shortly after a close to
	// the closed session, as when ACTIVITY_STOPPED follows ACTIVITY_PAUSED.
	foldTrailing bool
}

// NewUsageStatsSource returns the activity-lifecycle source. It pairs
// ACTIVITY_RESUMED with ACTIVITY_PAUSED or ACTIVITY_STOPPED for camera apps.
func NewUsageStatsSource(cfg Config, logger *slog.Logger) *MarkerSource {
	cameras := make(map[string]struct{}, len(cfg.CameraPackages))
	for _, p := range cfg.CameraPackages {
		cameras[p] = struct{}{}
	}
	return &MarkerSource{
		name:     UsageStatsSourceName,
		priority: UsageStatsPriority,
		starts:   setOf(model.EventActivityResumed),
		ends:     setOf(model.EventActivityPaused, model.EventActivityStopped),
		resolver: NewResolver(cfg.HostPackages),
		accept: func(e *model.NormalizedLogEvent, pkg string, hosted bool) bool {
			if hosted {
				return true
			}
			if _, ok := cameras[pkg]; ok {
				return true
			}
			class, _ := e.String(model.AttrClass)
			return strings.Contains(strings.ToLower(class), "camera")
		},
		logger:       loggerOrDefault(logger).With("source", UsageStatsSourceName),
		foldTrailing: true,
	}
}

// NewMediaServiceSource returns the camera-service source. It pairs
// CAMERA_CONNECT with CAMERA_DISCONNECT.
func NewMediaServiceSource(cfg Config, logger *slog.Logger) *MarkerSource {
	return &MarkerSource{
		name:     MediaServiceSourceName,
		priority: MediaServicePriority,
		starts:   setOf(model.EventCameraConnect),
		ends:     setOf(model.EventCameraDisconnect),
		resolver: NewResolver(cfg.HostPackages),
		accept: func(*model.NormalizedLogEvent, string, bool) bool {
			return true
		},
		logger: loggerOrDefault(logger).With("source", MediaServiceSourceName),
	}
}

// Name implements Source.
func (m *MarkerSource) Name() string { return m.name }

// Priority implements Source.
func (m *MarkerSource) Priority() int { return m.priority }

func (m *MarkerSource) classify(e *model.NormalizedLogEvent) markerKind {
	if _, ok := m.starts[e.EventType]; ok {
		return markerStart
	}
	if _, ok := m.ends[e.EventType]; ok {
		return markerEnd
	}
	return markerNone
}

// ExtractSessions implements Source.
func (m *MarkerSource) ExtractSessions(events []*model.NormalizedLogEvent, opts model.AnalysisOptions) []*model.CameraSession {
	sorted := SortEvents(validEvents(events, m.logger))

	machines := make(map[string]*pairing)
	var sessions []*model.CameraSession

	for _, e := range sorted {
		kind := m.classify(e)
		if kind == markerNone {
			continue
		}
		pkg, component := m.resolver.Resolve(e)
		if pkg == "" {
			m.logger.Debug("skipping marker without package", "event_id", e.ID, "type", e.EventType)
			continue
		}
		if !m.accept(e, pkg, component != "") {
			continue
		}

		pm, ok := machines[pkg]
		if !ok {
			pm = &pairing{foldTrailing: m.foldTrailing}
			machines[pkg] = pm
		}

		switch kind {
		case markerStart:
			if s := pm.start(m.newSession(e, pkg, component)); s != nil {
				sessions = append(sessions, s)
			}
		case markerEnd:
			if s := pm.end(e, opts.EventCorrelationWindow, func() *model.CameraSession {
				return m.newSession(e, pkg, component)
			}); s != nil {
				sessions = append(sessions, s)
			}
		}
	}

	for _, pm := range machines {
		if pm.state == stateOpen {
			sessions = append(sessions, pm.open)
		}
	}

	SortSessions(sessions)
	m.attribute(sessions, sorted, opts.EventCorrelationWindow)
	return sessions
}

func (m *MarkerSource) newSession(e *model.NormalizedLogEvent, pkg, component string) *model.CameraSession {
	s := &model.CameraSession{
		ID:               sessionID(m.name, e.ID),
		StartTime:        e.Timestamp,
		PackageName:      pkg,
		ComponentPackage: component,
		StartEventID:     e.ID,
		SourceEventIDs:   model.NewEventIDSet(e.ID),
		IncompleteReason: model.ReasonMissingEnd,
	}
	s.AddSource(m.name)
	if id, ok := e.DeviceID(); ok {
		s.AddDeviceID(id)
	}
	if pid, ok := e.ProcessID(); ok {
		s.ProcessID = &pid
	}
	return s
}

// attribute credits every event of the owning app inside a session's window.
// Open sessions stop short of the next session of the same package.
func (m *MarkerSource) attribute(sessions []*model.CameraSession, events []*model.NormalizedLogEvent, correlation time.Duration) {
	for i, s := range sessions {
		start, end := s.Window(correlation)
		if s.EndTime == nil {
			for _, next := range sessions[i+1:] {
				if next.PackageName == s.PackageName && next.StartTime.After(s.StartTime) {
					if cut := next.StartTime.Add(-time.Nanosecond); cut.Before(end) {
						end = cut
					}
					break
				}
			}
		}
		Attribute(s, events, m.resolver, start, end)
	}
}

// Attribute adds to s every event owned by its app within [start, end].
func Attribute(s *model.CameraSession, events []*model.NormalizedLogEvent, r Resolver, start, end time.Time) {
	if s.SourceEventIDs == nil {
		s.SourceEventIDs = model.NewEventIDSet()
	}
	for _, e := range events {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		if r.Matches(s, e) {
			s.SourceEventIDs.Add(e.ID)
		}
	}
}

// SortEvents returns a copy of events ordered by timestamp, then id.
func SortEvents(events []*model.NormalizedLogEvent) []*model.NormalizedLogEvent {
	sorted := make([]*model.NormalizedLogEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// SortSessions orders sessions by start time, then id.
func SortSessions(sessions []*model.CameraSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].StartTime.Before(sessions[j].StartTime)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

func validEvents(events []*model.NormalizedLogEvent, logger *slog.Logger) []*model.NormalizedLogEvent {
	valid := make([]*model.NormalizedLogEvent, 0, len(events))
	for _, e := range events {
		if err := e.Validate(); err != nil {
			logger.Debug("skipping malformed event", "error", err)
			continue
		}
		valid = append(valid, e)
	}
	return valid
}

func sessionID(source, markerID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(source+"|"+markerID)).String()
}

func setOf(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
