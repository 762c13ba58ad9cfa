package engine

import (
	"time"

	"github.com/stemsi/exstem-engine/internal/model"
)

// TimerSync is the body of timer:sync. Remaining is in seconds; it is
// meaningless when Untimed is set.
type TimerSync struct {
	Remaining    float64   `json:"remaining"`
	ServerTime   time.Time `json:"server_time"`
	SectionIndex int       `json:"section_index"`
	Untimed      bool      `json:"untimed,omitempty"`
}

// SectionExpiredPayload is the body of section:expired.
type SectionExpiredPayload struct {
	NewSectionIndex   int `json:"new_section_index"`
	NewQuestionIndex  int `json:"new_question_index"`
	ExpiredSectionIdx int `json:"expired_section_index"`
}

func overallRemaining(s *model.TestSession, now time.Time) (time.Duration, bool) {
	limit := s.Snapshot.OverallLimit()
	if limit <= 0 || s.StartedAt == nil {
		return 0, false
	}
	return limit - now.Sub(*s.StartedAt), true
}

func sectionRemaining(s *model.TestSession, now time.Time) (time.Duration, bool) {
	limit := s.Snapshot.SectionLimit(s.CurrentSectionIndex)
	if limit <= 0 || s.SectionStartedAt == nil {
		return 0, false
	}
	return limit - now.Sub(*s.SectionStartedAt), true
}

// Remaining is the smaller of the overall and the current section's remaining
// time, clamped at zero. timed is false when neither limit applies.
func Remaining(s *model.TestSession, now time.Time) (remaining time.Duration, timed bool) {
	if s.Status.IsTerminal() {
		return 0, true
	}
	o, oOK := overallRemaining(s, now)
	sec, sOK := sectionRemaining(s, now)
	switch {
	case oOK && sOK:
		remaining = min(o, sec)
	case oOK:
		remaining = o
	case sOK:
		remaining = sec
	default:
		return 0, false
	}
	return max(remaining, 0), true
}

// Sync builds the timer:sync snapshot for s.
func Sync(s *model.TestSession, now time.Time) TimerSync {
	rem, timed := Remaining(s, now)
	return TimerSync{
		Remaining:    rem.Seconds(),
		ServerTime:   now,
		SectionIndex: s.CurrentSectionIndex,
		Untimed:      !timed,
	}
}

// Clocked reports whether the session's clocks are running.
func Clocked(s *model.TestSession) bool {
	switch s.Status {
	case model.SessionStatusInProgress, model.SessionStatusPaused, model.SessionStatusReviewing:
		return s.StartedAt != nil
	}
	return false
}

// applyExpiry enforces the overall and section limits. The clock keeps running
// while a session is paused, so a paused session can expire too.
func applyExpiry(s *model.TestSession, now time.Time, out *Outcome) {
	if !Clocked(s) {
		return
	}
	if rem, ok := overallRemaining(s, now); ok && rem <= 0 {
		finish(s, model.SessionStatusExpired, now, out)
		return
	}
	if s.Status == model.SessionStatusReviewing {
		return
	}
	rem, ok := sectionRemaining(s, now)
	if !ok || rem > 0 {
		return
	}

	expired := s.CurrentSectionIndex
	accrueTime(s, now)
	section, first, more := nextSectionStart(s)
	if !more {
		finish(s, model.SessionStatusCompleted, now, out)
		return
	}
	enterSection(s, section, first, now)
	out.Mutated = true
	out.emit(EventSectionExpired, SectionExpiredPayload{
		NewSectionIndex:   section,
		NewQuestionIndex:  first,
		ExpiredSectionIdx: expired,
	})
	out.emit(EventSessionState, s.View())
	out.emit(EventTimerSync, Sync(s, now))
}

func handleTick(s *model.TestSession, _ Message, now time.Time) (Outcome, error) {
	var out Outcome
	applyExpiry(s, now, &out)
	return out, nil
}

func handleSyncRequest(s *model.TestSession, _ Message, now time.Time) (Outcome, error) {
	var out Outcome
	out.emit(EventTimerSync, Sync(s, now))
	return out, nil
}
