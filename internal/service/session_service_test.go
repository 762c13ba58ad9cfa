package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/sandbox"
	"github.com/stemsi/exstem-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeTests map[uuid.UUID]*model.Test

func (f fakeTests) GetByID(_ context.Context, id uuid.UUID) (*model.Test, error) {
	t, ok := f[id]
	if !ok {
		return nil, apperr.ErrTestNotFound
	}
	return t, nil
}

type fakeAttempts struct{ extra int }

func (f fakeAttempts) AllowedAttempts(_ context.Context, _, _ uuid.UUID, base int, _ time.Time) (int, error) {
	return base + f.extra, nil
}

type pushed struct {
	to      uuid.UUID
	payload any
}

type recordingGateway struct {
	mu      sync.Mutex
	pushes  []pushed
	monitor []any
}

func (g *recordingGateway) Push(id uuid.UUID, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, pushed{to: id, payload: payload})
}

func (g *recordingGateway) Monitor(_ uuid.UUID, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.monitor = append(g.monitor, payload)
}

func (g *recordingGateway) pushedTypes() []engine.EventType {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []engine.EventType
	for _, p := range g.pushes {
		if ev, ok := p.payload.(SessionEvent); ok {
			out = append(out, ev.Type)
		}
	}
	return out
}

type recordingConnectivity struct {
	mu     sync.Mutex
	events []model.ConnectivityEvent
}

func (r *recordingConnectivity) Record(_ context.Context, events []model.ConnectivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

type harness struct {
	svc          *SessionService
	store        *store.MemorySessionStore
	gateway      *recordingGateway
	connectivity *recordingConnectivity
	test         *model.Test
	orgID        uuid.UUID
	attempts     fakeAttempts
	now          time.Time
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func newHarness(t *testing.T, extraAttempts int) *harness {
	t.Helper()
	orgID := uuid.New()
	test := &model.Test{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Title:          "Algorithms quiz",
		Settings:       model.TestSettings{TimeLimitSeconds: 3600, AllowedAttempts: 1},
		Sections: []model.Section{
			{Title: "Theory", TimeLimitSeconds: 600},
			{Title: "Practice", TimeLimitSeconds: 900},
		},
		Questions: []model.Question{
			{
				ID: uuid.New(), Type: model.QuestionTypeMultipleChoice, SectionIndex: 0, Points: 2,
				Options:       []model.Option{{ID: "a", Text: "O(n)"}, {ID: "b", Text: "O(log n)"}},
				CorrectOption: intPtr(1),
			},
			{ID: uuid.New(), Type: model.QuestionTypeTrueFalse, SectionIndex: 0, Points: 1, CorrectBool: boolPtr(true)},
			{
				ID: uuid.New(), Type: model.QuestionTypeCodeChallenge, SectionIndex: 1, Points: 4,
				Code: &model.CodeSpec{
					Runtime:       "javascript",
					EntryFunction: "add",
					TestCases: []model.TestCase{
						{Name: "visible", Args: json.RawMessage(`[1,2]`), Expected: json.RawMessage(`3`)},
						{Name: "secret", Args: json.RawMessage(`[40,2]`), Expected: json.RawMessage(`42`), Hidden: true},
					},
				},
			},
		},
	}

	h := &harness{
		store:        store.NewMemorySessionStore(),
		gateway:      &recordingGateway{},
		connectivity: &recordingConnectivity{},
		test:         test,
		orgID:        orgID,
		attempts:     fakeAttempts{extra: extraAttempts},
		now:          t0,
	}
	h.wire(h.store)
	return h
}

// wire (re)builds the service on top of st, which must share h.store's data.
func (h *harness) wire(st store.SessionStore) {
	h.svc = NewSessionService(
		st,
		fakeTests{h.test.ID: h.test},
		h.attempts,
		sandbox.New(sandbox.DefaultOptions(), zerolog.Nop()),
		h.gateway,
		SessionOptions{
			NavigationGrace: 30 * time.Second,
			OfflineGrace:    5 * time.Minute,
			Connectivity:    h.connectivity,
			Now:             func() time.Time { return h.now },
		},
		zerolog.Nop(),
	)
}

func (h *harness) start(t *testing.T, userID uuid.UUID) *model.TestSession {
	t.Helper()
	s, err := h.svc.StartSession(context.Background(), userID, h.orgID, h.test.ID)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func (h *harness) handle(t *testing.T, userID uuid.UUID, msg engine.Message) []engine.Event {
	t.Helper()
	events, err := h.svc.Handle(context.Background(), userID, msg)
	if err != nil {
		t.Fatalf("handle %s: %v", msg.Type, err)
	}
	return events
}

func submitMsg(id uuid.UUID, idx int, answer string) engine.Message {
	return engine.Message{Type: engine.MsgAnswerSubmit, SessionID: id, QuestionIndex: intPtr(idx), Answer: json.RawMessage(answer)}
}

func findEvent(events []engine.Event, et engine.EventType) (engine.Event, bool) {
	for _, e := range events {
		if e.Type == et {
			return e, true
		}
	}
	return engine.Event{}, false
}

func TestStartSessionAppliesGraceDefaultsAndStarts(t *testing.T) {
	h := newHarness(t, 0)
	s := h.start(t, uuid.New())

	if s.Status != model.SessionStatusInProgress || s.AttemptNumber != 1 {
		t.Fatalf("unexpected session: status=%s attempt=%d", s.Status, s.AttemptNumber)
	}
	if s.Snapshot.Settings.NavigationGraceSeconds != 30 || s.Snapshot.Settings.OfflineGraceSeconds != 300 {
		t.Fatalf("grace defaults not applied: %+v", s.Snapshot.Settings)
	}
	if len(h.gateway.monitor) != 1 {
		t.Fatalf("expected a monitor event, got %d", len(h.gateway.monitor))
	}
}

func TestStartSessionEnforcesAttempts(t *testing.T) {
	h := newHarness(t, 1)
	user := uuid.New()
	h.start(t, user)
	second := h.start(t, user)
	if second.AttemptNumber != 2 || second.AllowedAttempts != 2 {
		t.Fatalf("override not applied: %+v", second)
	}

	_, err := h.svc.StartSession(context.Background(), user, h.orgID, h.test.ID)
	if !errors.Is(err, apperr.ErrAttemptsExhausted) {
		t.Fatalf("expected attempts exhausted, got %v", err)
	}
}

func TestStartSessionRejectsForeignOrganization(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.svc.StartSession(context.Background(), uuid.New(), uuid.New(), h.test.ID)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestHandleRejectsInternalMessages(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	for _, mt := range []engine.MessageType{engine.MsgTimerTick, engine.MsgSweep, "bogus"} {
		_, err := h.svc.Handle(context.Background(), user, engine.Message{Type: mt, SessionID: s.ID})
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("%s: expected validation error, got %v", mt, err)
		}
	}
}

func TestHandleHidesForeignSessions(t *testing.T) {
	h := newHarness(t, 0)
	s := h.start(t, uuid.New())

	_, err := h.svc.Handle(context.Background(), uuid.New(), engine.Message{Type: engine.MsgJoin, SessionID: s.ID})
	if !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHandleFullSessionWithCodeSubmission(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	events := h.handle(t, user, engine.Message{Type: engine.MsgJoin, SessionID: s.ID})
	if _, ok := findEvent(events, engine.EventSessionState); !ok {
		t.Fatalf("join did not replay state: %+v", events)
	}

	h.now = t0.Add(20 * time.Second)
	h.handle(t, user, submitMsg(s.ID, 0, `1`))
	h.handle(t, user, submitMsg(s.ID, 1, `true`))

	h.now = t0.Add(90 * time.Second)
	events = h.handle(t, user, submitMsg(s.ID, 2, `"function add(a, b) { return a + b; }"`))

	acc, ok := findEvent(events, engine.EventAnswerAccepted)
	if !ok {
		t.Fatalf("missing answer:accepted: %+v", events)
	}
	fb := acc.Payload.(engine.AnswerAccepted).Code
	if fb == nil || fb.TotalTestsPassed != 2 || fb.TotalTests != 2 {
		t.Fatalf("unexpected code feedback: %+v", fb)
	}
	done, ok := findEvent(events, engine.EventTestCompleted)
	if !ok {
		t.Fatalf("missing test:completed: %+v", events)
	}
	if res := done.Payload.(engine.CompletedPayload).Result; res.Score != 7 || res.MaxScore != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored, err := h.store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.SessionStatusCompleted || stored.Questions[2].Code == nil {
		t.Fatalf("unexpected stored session: %+v", stored)
	}
}

func TestHandleOutOfOrderDoesNotMutate(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	_, err := h.svc.Handle(context.Background(), user, submitMsg(s.ID, 1, `true`))
	if !errors.Is(err, apperr.ErrOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	stored, _ := h.store.Get(context.Background(), s.ID)
	if stored.Version != s.Version || stored.CurrentQuestionIndex != 0 {
		t.Fatalf("rejected message mutated the session: %+v", stored)
	}
}

func TestHandleAppliesExpiryBeforeMessage(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.now = t0.Add(601 * time.Second)
	_, err := h.svc.Handle(context.Background(), user, submitMsg(s.ID, 0, `1`))
	if !errors.Is(err, apperr.ErrOutOfOrder) {
		t.Fatalf("expected the expired section to reject the answer, got %v", err)
	}
	stored, _ := h.store.Get(context.Background(), s.ID)
	if stored.CurrentSectionIndex != 1 || stored.CurrentQuestionIndex != 2 {
		t.Fatalf("section expiry was not persisted: section=%d question=%d", stored.CurrentSectionIndex, stored.CurrentQuestionIndex)
	}
}

func TestTickPushesExpiryAndSync(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.now = t0.Add(601 * time.Second)
	if err := h.svc.Tick(context.Background(), s.ID, true); err != nil {
		t.Fatalf("tick: %v", err)
	}
	types := h.gateway.pushedTypes()
	if len(types) == 0 || types[0] != engine.EventSectionExpired || types[len(types)-1] != engine.EventTimerSync {
		t.Fatalf("unexpected pushes: %v", types)
	}
	for _, p := range h.gateway.pushes {
		if p.to != user {
			t.Fatalf("pushed to %s, want %s", p.to, user)
		}
	}

	h.now = t0.Add(2 * time.Hour)
	if err := h.svc.Tick(context.Background(), s.ID, false); err != nil {
		t.Fatalf("tick: %v", err)
	}
	stored, _ := h.store.Get(context.Background(), s.ID)
	if stored.Status != model.SessionStatusExpired || stored.Result == nil {
		t.Fatalf("expected expired with result, got %s", stored.Status)
	}
}

func TestSweepAbandonsAfterGrace(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.handle(t, user, engine.Message{Type: engine.MsgDisconnect, SessionID: s.ID, Reason: engine.ReasonOffline})

	h.now = t0.Add(4 * time.Minute)
	done, err := h.svc.Sweep(context.Background(), s.ID)
	if err != nil || done {
		t.Fatalf("sweep inside grace: done=%v err=%v", done, err)
	}

	h.now = t0.Add(6 * time.Minute)
	done, err = h.svc.Sweep(context.Background(), s.ID)
	if err != nil || !done {
		t.Fatalf("sweep past grace: done=%v err=%v", done, err)
	}
	stored, _ := h.store.Get(context.Background(), s.ID)
	if stored.Status != model.SessionStatusAbandoned {
		t.Fatalf("expected abandoned, got %s", stored.Status)
	}
}

func TestConnectivityHistoryIsRecorded(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.handle(t, user, engine.Message{Type: engine.MsgDisconnect, SessionID: s.ID, Reason: engine.ReasonOffline})
	// A second drop while already offline is not a new disconnection.
	h.handle(t, user, engine.Message{Type: engine.MsgDisconnect, SessionID: s.ID, Reason: engine.ReasonOffline})
	h.now = t0.Add(10 * time.Second)
	h.handle(t, user, engine.Message{Type: engine.MsgJoin, SessionID: s.ID})

	h.handle(t, user, engine.Message{Type: engine.MsgDisconnect, SessionID: s.ID, Reason: engine.ReasonOffline})
	h.now = t0.Add(6 * time.Minute)
	if _, err := h.svc.Sweep(context.Background(), s.ID); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	want := []model.ConnectivityEventKind{
		model.ConnectivityDisconnected,
		model.ConnectivityReconnected,
		model.ConnectivityDisconnected,
		model.ConnectivityGraceExceeded,
	}
	got := h.connectivity.events
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), got)
	}
	for i, k := range want {
		if got[i].Kind != k || got[i].SessionID != s.ID {
			t.Fatalf("event %d: expected %s, got %+v", i, k, got[i])
		}
	}
	if got[1].OfflineMs != 10000 {
		t.Fatalf("reconnect should report 10s offline, got %dms", got[1].OfflineMs)
	}
}

func TestRunCodeIsReadOnly(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)
	ctx := context.Background()

	_, err := h.svc.RunCode(ctx, user, s.ID, model.RunCodeRequest{QuestionIndex: 0, Code: "x"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error on a non-code question, got %v", err)
	}

	h.handle(t, user, submitMsg(s.ID, 0, `1`))
	h.handle(t, user, submitMsg(s.ID, 1, `false`))
	before, _ := h.store.Get(ctx, s.ID)

	res, err := h.svc.RunCode(ctx, user, s.ID, model.RunCodeRequest{QuestionIndex: 2, Code: "function add(a, b) { return a - b; }"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.VisibleTotal != 1 || res.VisiblePassed != 0 || !res.HasHiddenTests {
		t.Fatalf("unexpected run result: %+v", res)
	}
	after, _ := h.store.Get(ctx, s.ID)
	if after.Version != before.Version {
		t.Fatal("run tier mutated the session")
	}
}

func TestGetStateReportsTimer(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.now = t0.Add(100 * time.Second)
	st, err := h.svc.GetState(context.Background(), user, s.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.Session.Question == nil || st.Session.Question.Index != 0 {
		t.Fatalf("unexpected view: %+v", st.Session)
	}
	if st.Timer.Untimed || st.Timer.Remaining != 500 {
		t.Fatalf("unexpected timer: %+v", st.Timer)
	}
}

func TestSessionLocksSerializeAndCleanUp(t *testing.T) {
	l := newSessionLocks()
	id := uuid.New()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(id)
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("lock admitted %d holders", maxSeen)
	}
	if l.size() != 0 {
		t.Fatalf("lock table leaked %d entries", l.size())
	}
}

// flakyStore fails the next failures Update calls with a transient error.
// With landFirst the failed write still reaches the store, as when a reply
// is lost on the wire. With interfere another writer updates the record
// instead.
type flakyStore struct {
	*store.MemorySessionStore
	failures  int
	landFirst bool
	interfere bool
}

func (f *flakyStore) Update(ctx context.Context, s *model.TestSession) error {
	if f.failures == 0 {
		return f.MemorySessionStore.Update(ctx, s)
	}
	f.failures--
	switch {
	case f.landFirst:
		if err := f.MemorySessionStore.Update(ctx, s.Clone()); err != nil {
			return err
		}
	case f.interfere:
		other, err := f.MemorySessionStore.Get(ctx, s.ID)
		if err != nil {
			return err
		}
		other.Disconnection.Count += 7
		if err := f.MemorySessionStore.Update(ctx, other); err != nil {
			return err
		}
	}
	return apperr.New(apperr.KindInternal, "connection reset by peer")
}

func TestHandleRetriesTransientStoreFailureOnce(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	flaky := &flakyStore{MemorySessionStore: h.store, failures: 1}
	h.wire(flaky)

	events := h.handle(t, user, submitMsg(s.ID, 0, `1`))
	if _, ok := findEvent(events, engine.EventAnswerAccepted); !ok {
		t.Fatalf("missing answer:accepted: %+v", events)
	}
	if flaky.failures != 0 {
		t.Fatalf("expected the failure to be consumed, %d left", flaky.failures)
	}

	stored, err := h.store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CurrentQuestionIndex != 1 || stored.Questions[0].Status != model.AnswerStatusAnswered {
		t.Fatalf("retried write not stored: index=%d status=%s", stored.CurrentQuestionIndex, stored.Questions[0].Status)
	}
	if stored.Version != s.Version+1 {
		t.Fatalf("expected one version bump, got %d -> %d", s.Version, stored.Version)
	}
}

func TestHandleReportsInternalAfterSecondStoreFailure(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.wire(&flakyStore{MemorySessionStore: h.store, failures: 2})

	events, err := h.svc.Handle(context.Background(), user, submitMsg(s.ID, 0, `1`))
	if err == nil {
		t.Fatalf("expected an error, got events %+v", events)
	}
	if kind := apperr.KindOf(err); kind != apperr.KindInternal {
		t.Fatalf("expected %s, got %s (%v)", apperr.KindInternal, kind, err)
	}
	if len(events) != 0 {
		t.Fatalf("no events should escape a failed write: %+v", events)
	}

	stored, err := h.store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != s.Version {
		t.Fatalf("version moved: %d -> %d", s.Version, stored.Version)
	}
	if stored.CurrentQuestionIndex != 0 || stored.Questions[0].Status != model.AnswerStatusNotAnswered {
		t.Fatalf("stored session changed: index=%d status=%s", stored.CurrentQuestionIndex, stored.Questions[0].Status)
	}
}

func TestHandleAdoptsWriteWhoseReplyWasLost(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.wire(&flakyStore{MemorySessionStore: h.store, failures: 1, landFirst: true})

	h.handle(t, user, submitMsg(s.ID, 0, `1`))

	stored, err := h.store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Version != s.Version+1 {
		t.Fatalf("expected exactly one landed write, got %d -> %d", s.Version, stored.Version)
	}
	if stored.CurrentQuestionIndex != 1 {
		t.Fatalf("landed write missing: index=%d", stored.CurrentQuestionIndex)
	}

	// The adopted version must let the next write through.
	h.handle(t, user, submitMsg(s.ID, 1, `true`))
	stored, err = h.store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.CurrentQuestionIndex != 2 {
		t.Fatalf("follow-up write not stored: index=%d", stored.CurrentQuestionIndex)
	}
}

func TestHandleRejectsRetryConflictFromAnotherWriter(t *testing.T) {
	h := newHarness(t, 0)
	user := uuid.New()
	s := h.start(t, user)

	h.wire(&flakyStore{MemorySessionStore: h.store, failures: 1, interfere: true})

	_, err := h.svc.Handle(context.Background(), user, submitMsg(s.ID, 0, `1`))
	if err == nil {
		t.Fatalf("expected the conflicting write to fail")
	}
	if !errors.Is(err, apperr.ErrVersionConflict) {
		t.Fatalf("expected the version conflict to be kept in the chain, got %v", err)
	}

	stored, err := h.store.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Disconnection.Count != s.Disconnection.Count+7 || stored.CurrentQuestionIndex != 0 {
		t.Fatalf("expected the other writer's record to stand: %+v", stored.Disconnection)
	}
}
