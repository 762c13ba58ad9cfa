package engine

import (
	"time"

	"github.com/stemsi/exstem-engine/internal/model"
)

// ConnectivityPayload is the body of session:paused and session:resumed.
// GracePeriodSeconds is the budget still left for Reason.
type ConnectivityPayload struct {
	Reason             string  `json:"reason"`
	GracePeriodSeconds float64 `json:"grace_period_seconds"`
}

// graceBudget picks the budget for reason: navigation has its own, every
// other reason draws from the offline budget.
func graceBudget(s *model.TestSession, reason string) (budget time.Duration, used *int64) {
	d := &s.Disconnection
	if reason == ReasonNavigation {
		return s.Snapshot.NavigationGrace(), &d.NavigationGraceUsedMs
	}
	return s.Snapshot.OfflineGrace(), &d.OfflineGraceUsedMs
}

// GraceRemaining returns the unused budget for reason.
func GraceRemaining(s *model.TestSession, reason string) time.Duration {
	budget, used := graceBudget(s, reason)
	return max(budget-time.Duration(*used)*time.Millisecond, 0)
}

func normaliseReason(reason string) string {
	if reason == "" {
		return ReasonOffline
	}
	return reason
}

// disconnect records a disconnection unless one is already open.
func disconnect(s *model.TestSession, reason string, now time.Time, out *Outcome) {
	if s.Status.IsTerminal() || s.Status == model.SessionStatusNotStarted || s.Disconnection.Open() {
		return
	}
	reason = normaliseReason(reason)
	d := &s.Disconnection
	d.Count++
	d.LastReason = reason
	d.LastDisconnectedAt = cloneTime(now)
	if s.Status == model.SessionStatusInProgress {
		s.Status = model.SessionStatusPaused
	}
	out.Mutated = true
	out.emit(EventPaused, ConnectivityPayload{
		Reason:             reason,
		GracePeriodSeconds: GraceRemaining(s, reason).Seconds(),
	})
}

// closeDisconnection books the open disconnection against its budget and
// reports whether it stayed within what was left.
func closeDisconnection(s *model.TestSession, now time.Time) (within bool) {
	d := &s.Disconnection
	elapsed := max(now.Sub(*d.LastDisconnectedAt), 0)
	remaining := GraceRemaining(s, d.LastReason)
	budget, used := graceBudget(s, d.LastReason)

	d.TotalOfflineMs += elapsed.Milliseconds()
	if elapsed > remaining {
		*used = budget.Milliseconds()
	} else {
		*used += elapsed.Milliseconds()
	}
	d.LastDisconnectedAt = nil
	return elapsed <= remaining
}

// reconnect closes an open disconnection. A reconnect beyond the remaining
// budget expires the session instead of resuming it.
func reconnect(s *model.TestSession, now time.Time, out *Outcome) {
	if !s.Disconnection.Open() {
		return
	}
	if s.Status.IsTerminal() {
		closeDisconnection(s, now)
		out.Mutated = true
		return
	}
	reason := s.Disconnection.LastReason
	if !closeDisconnection(s, now) {
		finish(s, model.SessionStatusExpired, now, out)
		return
	}
	if s.Status == model.SessionStatusPaused {
		s.Status = model.SessionStatusInProgress
	}
	out.Mutated = true
	out.emit(EventResumed, ConnectivityPayload{
		Reason:             reason,
		GracePeriodSeconds: GraceRemaining(s, reason).Seconds(),
	})
}

// currentState appends the state snapshot a (re)joining client needs.
func currentState(s *model.TestSession, now time.Time, out *Outcome) {
	out.emit(EventSessionState, s.View())
	if s.Status.IsTerminal() {
		if s.Result != nil {
			out.emit(EventTestCompleted, CompletedPayload{Result: *s.Result})
		}
		return
	}
	out.emit(EventTimerSync, Sync(s, now))
}

// handleJoin starts a fresh session, resumes a paused one, or replays the
// current state. Joining twice is harmless.
func handleJoin(s *model.TestSession, _ Message, now time.Time) (Outcome, error) {
	var out Outcome
	wasTerminal := s.Status.IsTerminal()
	if s.Status == model.SessionStatusNotStarted {
		if err := Start(s, now); err != nil {
			return Outcome{}, err
		}
		out.Mutated = true
	}
	reconnect(s, now, &out)
	if !wasTerminal && s.Status.IsTerminal() {
		return out, nil
	}
	currentState(s, now, &out)
	return out, nil
}

func handleRejoin(s *model.TestSession, msg Message, now time.Time) (Outcome, error) {
	return handleJoin(s, msg, now)
}

func handleDisconnect(s *model.TestSession, msg Message, now time.Time) (Outcome, error) {
	var out Outcome
	disconnect(s, msg.Reason, now, &out)
	return out, nil
}

// handleSweep abandons a session whose open disconnection has outlived its
// remaining grace.
func handleSweep(s *model.TestSession, _ Message, now time.Time) (Outcome, error) {
	var out Outcome
	if s.Status.IsTerminal() || !s.Disconnection.Open() {
		return out, nil
	}
	elapsed := now.Sub(*s.Disconnection.LastDisconnectedAt)
	if elapsed <= GraceRemaining(s, s.Disconnection.LastReason) {
		return out, nil
	}
	closeDisconnection(s, now)
	finish(s, model.SessionStatusAbandoned, now, &out)
	return out, nil
}
