package model

import (
	"time"

	"github.com/google/uuid"
)

// ConnectivityEventKind tags one entry of a session's connectivity history.
type ConnectivityEventKind string

const (
	ConnectivityDisconnected ConnectivityEventKind = "disconnected"
	ConnectivityReconnected  ConnectivityEventKind = "reconnected"
	// ConnectivityGraceExceeded closes a disconnection that outlived its
	// budget, whether noticed on reconnect or by the sweep.
	ConnectivityGraceExceeded ConnectivityEventKind = "grace_exceeded"
)

// ConnectivityEvent is one audited disconnection or reconnection. OfflineMs is
// set on the events that close a disconnection.
type ConnectivityEvent struct {
	SessionID  uuid.UUID             `json:"session_id"`
	TestID     uuid.UUID             `json:"test_id"`
	UserID     uuid.UUID             `json:"user_id"`
	Kind       ConnectivityEventKind `json:"kind"`
	Reason     string                `json:"reason"`
	OfflineMs  int64                 `json:"offline_ms"`
	RecordedAt time.Time             `json:"recorded_at"`
}

// ConnectivityChanges derives the audit entries produced by moving a session
// from prev to next.
func ConnectivityChanges(prev, next *TestSession, now time.Time) []ConnectivityEvent {
	var out []ConnectivityEvent
	base := ConnectivityEvent{
		SessionID:  next.ID,
		TestID:     next.TestID,
		UserID:     next.UserID,
		RecordedAt: now,
	}

	if prev.Disconnection.Open() && !next.Disconnection.Open() {
		ev := base
		ev.Kind = ConnectivityReconnected
		ev.Reason = prev.Disconnection.LastReason
		ev.OfflineMs = next.Disconnection.TotalOfflineMs - prev.Disconnection.TotalOfflineMs
		if next.Status == SessionStatusExpired || next.Status == SessionStatusAbandoned {
			if !prev.Status.IsTerminal() {
				ev.Kind = ConnectivityGraceExceeded
			}
		}
		out = append(out, ev)
	}
	if next.Disconnection.Count > prev.Disconnection.Count {
		ev := base
		ev.Kind = ConnectivityDisconnected
		ev.Reason = next.Disconnection.LastReason
		out = append(out, ev)
	}
	return out
}
