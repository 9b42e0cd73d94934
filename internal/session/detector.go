package session

import (
	"log/slog"
	"sort"
	"time"

	"camtrace/internal/interval"
	"camtrace/internal/model"
)

// MergeOverlapThreshold is the minimum overlap, relative to the shorter of
// two sessions, for sessions from different sources to be merged.
const MergeOverlapThreshold = 0.8

// repairedEndOffset is how far before the next session a repaired end is placed.
const repairedEndOffset = time.Millisecond

// Detector runs the registered sources and merges, filters and repairs their output.
type Detector struct {
	sources  []Source
	resolver Resolver
	logger   *slog.Logger
}

// NewDetector creates a Detector. Sources are consulted in registration order.
func NewDetector(resolver Resolver, logger *slog.Logger, sources ...Source) *Detector {
	return &Detector{
		sources:  append([]Source(nil), sources...),
		resolver: resolver,
		logger:   loggerOrDefault(logger).With("component", "session_detector"),
	}
}

// Register appends a source.
func (d *Detector) Register(src Source) {
	d.sources = append(d.sources, src)
}

// Sources returns the registered sources.
func (d *Detector) Sources() []Source {
	return append([]Source(nil), d.sources...)
}

// Candidate is a session tagged with the source that produced it.
type Candidate struct {
	Session  *model.CameraSession
	Source   string
	Priority int
}

// Detect returns the merged, filtered and repaired sessions ordered by start time.
func (d *Detector) Detect(events []*model.NormalizedLogEvent, opts model.AnalysisOptions) []*model.CameraSession {
	if len(d.sources) == 0 {
		return nil
	}

	var candidates []Candidate
	for _, src := range d.sources {
		for _, s := range src.ExtractSessions(events, opts) {
			candidates = append(candidates, Candidate{Session: s, Source: src.Name(), Priority: src.Priority()})
		}
		d.logger.Debug("source extracted sessions", "source", src.Name(), "total", len(candidates))
	}

	sessions := Merge(candidates, opts.EventCorrelationWindow)

	kept := sessions[:0]
	for _, s := range sessions {
		if !opts.PackageAllowed(s.PackageName) {
			d.logger.Debug("session filtered by package rules", "session_id", s.ID, "package", s.PackageName)
			continue
		}
		s.CompletenessScore = CompletenessScore(s)
		if s.CompletenessScore < opts.MinConfidenceThreshold {
			d.logger.Debug("session below completeness threshold",
				"session_id", s.ID, "score", s.CompletenessScore, "threshold", opts.MinConfidenceThreshold)
			continue
		}
		kept = append(kept, s)
	}
	sessions = kept

	if opts.EnableIncompleteSessionHandling {
		d.repair(sessions, SortEvents(validEvents(events, d.logger)), opts)
	}

	SortSessions(sessions)
	return sessions
}

// Merge combines candidates from different sources that overlap by at least
// MergeOverlapThreshold. Candidates are processed in a canonical order so the
// result does not depend on the order sources were registered or ran.
func Merge(candidates []Candidate, correlation time.Duration) []*model.CameraSession {
	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Session.StartTime.Equal(b.Session.StartTime) {
			return a.Session.StartTime.Before(b.Session.StartTime)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Session.ID < b.Session.ID
	})

	type cluster struct {
		session *model.CameraSession
		sources map[string]struct{}
	}
	var clusters []*cluster

	for _, c := range ordered {
		var target *cluster
		for _, cl := range clusters {
			if _, same := cl.sources[c.Source]; same {
				continue
			}
			if interval.OverlapRatio(span(cl.session), span(c.Session), correlation) >= MergeOverlapThreshold {
				target = cl
				break
			}
		}
		if target == nil {
			clusters = append(clusters, &cluster{
				session: c.Session,
				sources: map[string]struct{}{c.Source: {}},
			})
			continue
		}
		absorb(target.session, c.Session)
		target.sources[c.Source] = struct{}{}
	}

	sessions := make([]*model.CameraSession, 0, len(clusters))
	for _, cl := range clusters {
		sessions = append(sessions, cl.session)
	}
	SortSessions(sessions)
	return sessions
}

// absorb folds lower into dst. dst comes from the higher-priority source and
// keeps its identity; boundaries move to lower only when lower is more complete.
func absorb(dst, lower *model.CameraSession) {
	for _, name := range lower.SourceLogTypes {
		dst.AddSource(name)
	}
	dst.SourceEventIDs.Union(lower.SourceEventIDs)

	if dst.ProcessID == nil && lower.ProcessID != nil {
		pid := *lower.ProcessID
		dst.ProcessID = &pid
	}
	if len(dst.CameraDeviceIDs) == 0 {
		for _, id := range lower.CameraDeviceIDs {
			dst.AddDeviceID(id)
		}
	}

	if completenessRank(lower) > completenessRank(dst) {
		dst.StartTime = lower.StartTime
		dst.EndTime = nil
		if lower.EndTime != nil {
			dst.SetEnd(*lower.EndTime)
		}
		dst.StartEventID = lower.StartEventID
		dst.EndEventID = lower.EndEventID
		dst.IncompleteReason = lower.IncompleteReason
	}
}

// completenessRank orders boundary evidence: both observed, end only, start only.
func completenessRank(s *model.CameraSession) int {
	switch {
	case s.EndTime != nil && s.IncompleteReason == model.ReasonNone:
		return 3
	case s.EndTime != nil:
		return 2
	default:
		return 1
	}
}

// CompletenessScore rates boundary evidence: 0.5 base plus 0.25 for each
// observed marker.
func CompletenessScore(s *model.CameraSession) float64 {
	score := 0.5
	switch s.IncompleteReason {
	case model.ReasonNone:
		score += 0.5
	case model.ReasonMissingStart, model.ReasonMissingEnd:
		score += 0.25
	}
	return score
}

// repair closes open sessions. A following same-package session starting
// within MaxSessionGap of the open session's start closes it just before
// that start;
// otherwise the end is imputed from the average complete duration and the
// reason becomes LogTruncated.
func (d *Detector) repair(sessions []*model.CameraSession, events []*model.NormalizedLogEvent, opts model.AnalysisOptions) {
	SortSessions(sessions)

	byID := make(map[string]*model.NormalizedLogEvent, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	for i, s := range sessions {
		if s.EndTime != nil {
			continue
		}
		for _, next := range sessions[i+1:] {
			if next.PackageName != s.PackageName || !next.StartTime.After(s.StartTime) {
				continue
			}
			if next.StartTime.Sub(s.StartTime) <= opts.MaxSessionGap {
				s.SetEnd(next.StartTime.Add(-repairedEndOffset))
				d.reattribute(s, events, byID)
				d.logger.Debug("closed open session at next start", "session_id", s.ID, "next_id", next.ID)
			}
			break
		}
	}

	avg, ok := averageDuration(sessions)
	if !ok {
		return
	}
	for _, s := range sessions {
		if s.EndTime != nil {
			continue
		}
		s.SetEnd(s.StartTime.Add(avg))
		s.IncompleteReason = model.ReasonLogTruncated
		s.CompletenessScore = CompletenessScore(s)
		d.reattribute(s, events, byID)
		d.logger.Debug("imputed session end", "session_id", s.ID, "duration", avg)
	}
}

// reattribute rebuilds the contributing events of a session whose window changed.
func (d *Detector) reattribute(s *model.CameraSession, events []*model.NormalizedLogEvent, byID map[string]*model.NormalizedLogEvent) {
	start, end := s.Window(0)
	kept := model.NewEventIDSet(s.StartEventID, s.EndEventID)
	for id := range s.SourceEventIDs {
		if e, ok := byID[id]; ok && !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			kept.Add(id)
		}
	}
	s.SourceEventIDs = kept
	Attribute(s, events, d.resolver, start, end)
}

// averageDuration is the mean duration over every session with an end time.
func averageDuration(sessions []*model.CameraSession) (time.Duration, bool) {
	var total time.Duration
	var n int
	for _, s := range sessions {
		if d, ok := s.Duration(); ok {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return total / time.Duration(n), true
}

func span(s *model.CameraSession) interval.Interval {
	if s.EndTime == nil {
		return interval.Open(s.StartTime)
	}
	return interval.Closed(s.StartTime, *s.EndTime)
}
