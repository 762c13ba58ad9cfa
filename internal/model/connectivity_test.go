package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestConnectivityChanges(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	online := &TestSession{ID: uuid.New(), Status: SessionStatusInProgress}

	offline := online.Clone()
	offline.Status = SessionStatusPaused
	offline.Disconnection.Count = 1
	offline.Disconnection.LastReason = "navigation"
	offline.Disconnection.LastDisconnectedAt = &now

	got := ConnectivityChanges(online, offline, now)
	if len(got) != 1 || got[0].Kind != ConnectivityDisconnected || got[0].Reason != "navigation" {
		t.Fatalf("unexpected disconnect entries: %+v", got)
	}

	back := offline.Clone()
	back.Status = SessionStatusInProgress
	back.Disconnection.LastDisconnectedAt = nil
	back.Disconnection.TotalOfflineMs = 1500
	got = ConnectivityChanges(offline, back, now)
	if len(got) != 1 || got[0].Kind != ConnectivityReconnected || got[0].OfflineMs != 1500 {
		t.Fatalf("unexpected reconnect entries: %+v", got)
	}

	expired := back.Clone()
	expired.Status = SessionStatusExpired
	got = ConnectivityChanges(offline, expired, now)
	if len(got) != 1 || got[0].Kind != ConnectivityGraceExceeded {
		t.Fatalf("expiry on reconnect should exceed grace: %+v", got)
	}

	if got := ConnectivityChanges(online, online.Clone(), now); len(got) != 0 {
		t.Fatalf("no connectivity change expected, got %+v", got)
	}
}
