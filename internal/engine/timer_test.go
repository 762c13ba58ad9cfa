package engine

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-engine/internal/model"
)

func TestRemainingUsesTightestLimit(t *testing.T) {
	s := started(t, fixtureTest())

	rem, timed := Remaining(s, t0.Add(100*time.Second))
	if !timed || rem != 500*time.Second {
		t.Fatalf("expected section limit to bind at 500s, got %v", rem)
	}

	sync := Sync(s, t0.Add(100*time.Second))
	if sync.Remaining != 500 || sync.SectionIndex != 0 || !sync.ServerTime.Equal(t0.Add(100*time.Second)) {
		t.Fatalf("unexpected sync: %+v", sync)
	}
}

func TestUntimedSession(t *testing.T) {
	test := fixtureTest()
	test.Settings.TimeLimitSeconds = 0
	test.Sections[0].TimeLimitSeconds = 0
	s := started(t, test)

	if _, timed := Remaining(s, t0.Add(time.Hour)); timed {
		t.Fatal("expected untimed")
	}
	_, out := mustDispatch(t, s, Message{Type: MsgTimerTick}, t0.Add(48*time.Hour))
	if out.Mutated {
		t.Fatal("untimed session must not expire")
	}
}

func TestSectionExpiryAdvancesWithFreshTimer(t *testing.T) {
	s := started(t, fixtureTest())
	at := t0.Add(601 * time.Second)

	s, out := mustDispatch(t, s, Message{Type: MsgTimerTick}, at)
	if s.CurrentSectionIndex != 1 || s.CurrentQuestionIndex != 2 || s.Status != model.SessionStatusInProgress {
		t.Fatalf("expected section 1 question 2, got section %d question %d (%s)", s.CurrentSectionIndex, s.CurrentQuestionIndex, s.Status)
	}
	payload := out.Events[0].Payload.(SectionExpiredPayload)
	if out.Events[0].Type != EventSectionExpired || payload.NewSectionIndex != 1 {
		t.Fatalf("unexpected events: %+v", out.Events)
	}
	if rem, _ := Remaining(s, at); rem != 900*time.Second {
		t.Fatalf("expected fresh 900s section timer, got %v", rem)
	}

	s, out = mustDispatch(t, s, Message{Type: MsgTimerTick}, at.Add(901*time.Second))
	if s.Status != model.SessionStatusCompleted || !hasEvent(out, EventTestCompleted) {
		t.Fatalf("last section expiry must complete, got %s", s.Status)
	}
}

func TestOverallExpiry(t *testing.T) {
	test := fixtureTest()
	test.Sections = nil
	for i := range test.Questions {
		test.Questions[i].SectionIndex = 0
	}
	test.Settings.TimeLimitSeconds = 60
	s := started(t, test)

	s, _ = mustDispatch(t, s, Message{Type: MsgTimerTick}, t0.Add(59*time.Second))
	if s.Status != model.SessionStatusInProgress {
		t.Fatalf("expired early: %s", s.Status)
	}
	s, out := mustDispatch(t, s, Message{Type: MsgTimerTick}, t0.Add(60*time.Second))
	if s.Status != model.SessionStatusExpired || s.Result == nil || s.Result.Status != model.SessionStatusExpired {
		t.Fatalf("expected expired, got %s", s.Status)
	}
	if !hasEvent(out, EventTestCompleted) {
		t.Fatal("missing test:completed")
	}
}

func TestClockRunsWhilePaused(t *testing.T) {
	test := fixtureTest()
	test.Settings.TimeLimitSeconds = 60
	test.Sections = nil
	for i := range test.Questions {
		test.Questions[i].SectionIndex = 0
	}
	s := started(t, test)
	s, _ = mustDispatch(t, s, Message{Type: MsgDisconnect, Reason: ReasonOffline}, t0.Add(10*time.Second))

	s, _ = mustDispatch(t, s, Message{Type: MsgRejoin}, t0.Add(40*time.Second))
	if rem, _ := Remaining(s, t0.Add(40*time.Second)); rem != 20*time.Second {
		t.Fatalf("offline time must not be refunded, remaining %v", rem)
	}

	s, _ = mustDispatch(t, s, Message{Type: MsgDisconnect, Reason: ReasonOffline}, t0.Add(45*time.Second))
	s, _ = mustDispatch(t, s, Message{Type: MsgTimerTick}, t0.Add(61*time.Second))
	if s.Status != model.SessionStatusExpired {
		t.Fatalf("paused session must still expire, got %s", s.Status)
	}
}

func TestSyncRequestIsReadOnly(t *testing.T) {
	s := started(t, fixtureTest())
	next, out := mustDispatch(t, s, Message{Type: MsgTimerSyncRequest}, t0.Add(time.Second))
	if out.Mutated || next != s || out.Events[0].Type != EventTimerSync {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
