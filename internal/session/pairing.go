package session

import (
	"time"

	"camtrace/internal/model"
)

type pairingState int

const (
	stateIdle pairingState = iota
	stateOpen
)

// pairing is the per-package start/end state machine.
//
//	Idle + start -> Open
//	Open + end   -> emit complete session, Idle
//	Open + start -> emit open session as MissingEnd, Open at the new start
//	Idle + end   -> emit single-instant MissingStart session, Idle
//
// With foldTrailing set, an end marker arriving in Idle shortly after a
// session closed is a trailing marker of that session rather than a new one.
type pairing struct {
	state        pairingState
	open         *model.CameraSession
	lastClosed   *model.CameraSession
	foldTrailing bool
}

// start opens next and returns the session it displaced, if any.
func (p *pairing) start(next *model.CameraSession) *model.CameraSession {
	var emitted *model.CameraSession
	if p.state == stateOpen {
		emitted = p.open
	}
	p.open = next
	p.state = stateOpen
	return emitted
}

// end closes the open session with e. In Idle it emits a MissingStart
// session built by orphan, or folds e into the last closed session when
// trailing markers are folded.
func (p *pairing) end(e *model.NormalizedLogEvent, trailing time.Duration, orphan func() *model.CameraSession) *model.CameraSession {
	if p.state == stateOpen {
		s := p.open
		s.SetEnd(e.Timestamp)
		s.EndEventID = e.ID
		s.IncompleteReason = model.ReasonNone
		s.SourceEventIDs.Add(e.ID)
		if id, ok := e.DeviceID(); ok {
			s.AddDeviceID(id)
		}
		p.open = nil
		p.state = stateIdle
		p.lastClosed = s
		return s
	}

	if last := p.lastClosed; p.foldTrailing && last != nil && last.EndTime != nil {
		if gap := e.Timestamp.Sub(*last.EndTime); gap >= 0 && gap <= trailing {
			last.SourceEventIDs.Add(e.ID)
			return nil
		}
	}

	s := orphan()
	s.SetEnd(e.Timestamp)
	s.EndEventID = e.ID
	s.StartEventID = ""
	s.IncompleteReason = model.ReasonMissingStart
	p.lastClosed = s
	return s
}
