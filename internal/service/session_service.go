package service

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/notify"
	"github.com/stemsi/exstem-engine/internal/sandbox"
	"github.com/stemsi/exstem-engine/internal/store"
)

// TestSource loads live test definitions.
type TestSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error)
}

// AttemptResolver returns the number of attempts a user may take at a test.
type AttemptResolver interface {
	AllowedAttempts(ctx context.Context, userID, testID uuid.UUID, base int, now time.Time) (int, error)
}

// CodeRunner executes code against test cases.
type CodeRunner interface {
	Run(ctx context.Context, req sandbox.Request) sandbox.RunResult
	Submit(ctx context.Context, req sandbox.Request) sandbox.Result
}

// ConnectivityRecorder keeps the audit trail of disconnections.
type ConnectivityRecorder interface {
	Record(ctx context.Context, events []model.ConnectivityEvent)
}

// SessionOptions carries defaults applied at session start.
type SessionOptions struct {
	NavigationGrace time.Duration
	OfflineGrace    time.Duration
	// Connectivity is optional; nil skips the audit trail.
	Connectivity ConnectivityRecorder
	// Now overrides the clock in tests.
	Now func() time.Time
}

// SessionState is what a client needs to render a session.
type SessionState struct {
	Session model.SessionView `json:"session"`
	Timer   engine.TimerSync  `json:"timer"`
}

// SessionEvent is an engine event tagged with the session it belongs to, so a
// connection can drop events of the user's other sessions.
type SessionEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	engine.Event
}

// MonitorEvent is published to a test's live monitor after every change.
type MonitorEvent struct {
	Type                 string              `json:"type"`
	SessionID            uuid.UUID           `json:"session_id"`
	UserID               uuid.UUID           `json:"user_id"`
	AttemptNumber        int                 `json:"attempt_number"`
	Status               model.SessionStatus `json:"status"`
	CurrentQuestionIndex int                 `json:"current_question_index"`
	Answered             int                 `json:"answered"`
	TotalQuestions       int                 `json:"total_questions"`
	DisconnectCount      int                 `json:"disconnect_count"`
	Score                *float64            `json:"score,omitempty"`
}

// SessionService drives sessions through the engine. It is the only writer
// of session records: every mutation takes the per-session lock, reloads the
// record, applies timer expiry first and then the requested message.
type SessionService struct {
	store    store.SessionStore
	tests    TestSource
	attempts AttemptResolver
	runner   CodeRunner
	gateway  notify.Gateway
	locks    *sessionLocks
	opts     SessionOptions
	log      zerolog.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	st store.SessionStore,
	tests TestSource,
	attempts AttemptResolver,
	runner CodeRunner,
	gateway notify.Gateway,
	opts SessionOptions,
	log zerolog.Logger,
) *SessionService {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if gateway == nil {
		gateway = notify.Nop{}
	}
	return &SessionService{
		store:    st,
		tests:    tests,
		attempts: attempts,
		runner:   runner,
		gateway:  gateway,
		locks:    newSessionLocks(),
		opts:     opts,
		log:      log.With().Str("component", "session_service").Logger(),
	}
}

// StartSession creates and starts a new attempt of testID for the user.
func (s *SessionService) StartSession(ctx context.Context, userID, orgID, testID uuid.UUID) (*model.TestSession, error) {
	test, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.OrganizationID != orgID {
		return nil, apperr.ErrForbidden
	}
	if err := test.Validate(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "test definition is not startable")
	}

	now := s.opts.Now()
	base := max(test.Settings.AllowedAttempts, 1)
	allowed, err := s.attempts.AllowedAttempts(ctx, userID, testID, base, now)
	if err != nil {
		return nil, err
	}
	attempt, err := s.store.NextAttempt(ctx, userID, testID, allowed)
	if err != nil {
		return nil, err
	}

	snapshot, err := test.Snapshot(now)
	if err != nil {
		_ = s.store.ReleaseAttempt(ctx, userID, testID, attempt)
		return nil, apperr.Wrap(err, apperr.KindInternal, "snapshot test")
	}
	if snapshot.Settings.NavigationGraceSeconds <= 0 {
		snapshot.Settings.NavigationGraceSeconds = int(s.opts.NavigationGrace.Seconds())
	}
	if snapshot.Settings.OfflineGraceSeconds <= 0 {
		snapshot.Settings.OfflineGraceSeconds = int(s.opts.OfflineGrace.Seconds())
	}

	session := engine.NewSession(engine.NewSessionParams{
		ID:              uuid.New(),
		UserID:          userID,
		TestID:          testID,
		OrganizationID:  orgID,
		AttemptNumber:   attempt,
		AllowedAttempts: allowed,
		Snapshot:        snapshot,
	}, now)
	if err := engine.Start(session, now); err != nil {
		_ = s.store.ReleaseAttempt(ctx, userID, testID, attempt)
		return nil, err
	}
	if err := s.store.Create(ctx, session); err != nil {
		_ = s.store.ReleaseAttempt(ctx, userID, testID, attempt)
		return nil, err
	}

	log := logger.ForSession(s.log, session.ID, userID)
	log.Info().
		Str("test_id", testID.String()).
		Int("attempt", attempt).
		Int("allowed", allowed).
		Msg("Session started")
	s.monitor("session:started", session)
	return session, nil
}

// Handle applies a client message to a session owned by userID and returns
// the events for the caller's connection.
func (s *SessionService) Handle(ctx context.Context, userID uuid.UUID, msg engine.Message) ([]engine.Event, error) {
	if msg.Type.Internal() || !engine.Handles(msg.Type) {
		return nil, apperr.Newf(apperr.KindValidation, "unknown message type %q", msg.Type)
	}
	msg.CodeResult = nil

	unlock := s.locks.Lock(msg.SessionID)
	defer unlock()

	session, err := s.loadOwned(ctx, userID, msg.SessionID)
	if err != nil {
		return nil, err
	}

	session, tick, err := s.step(ctx, session, engine.Message{Type: engine.MsgTimerTick, SessionID: session.ID})
	if err != nil {
		return nil, err
	}
	events := tick.Events

	if msg.Type == engine.MsgAnswerSubmit {
		q, code, err := engine.PrepareSubmission(session, msg)
		if err != nil {
			return events, err
		}
		if q.Type.IsCode() {
			res := s.runner.Submit(ctx, sandboxRequest(q, code))
			msg.CodeResult = &res
			log := logger.ForSession(s.log, session.ID, session.UserID)
			log.Info().
				Int("question_index", session.CurrentQuestionIndex).
				Int("passed", res.TotalTestsPassed).
				Int("total", res.TotalTests).
				Str("error_type", res.ErrorType).
				Msg("Code submission executed")
		}
	}

	_, out, err := s.step(ctx, session, msg)
	if err != nil {
		return events, err
	}
	return append(events, out.Events...), nil
}

// GetState returns the current view of a session, applying timer expiry first.
func (s *SessionService) GetState(ctx context.Context, userID, sessionID uuid.UUID) (*SessionState, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	session, _, err = s.step(ctx, session, engine.Message{Type: engine.MsgTimerTick, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	return &SessionState{
		Session: session.View(),
		Timer:   engine.Sync(session, s.opts.Now()),
	}, nil
}

// RunCode executes the run tier against the visible test cases of the current
// question. It never mutates the session.
func (s *SessionService) RunCode(ctx context.Context, userID, sessionID uuid.UUID, req model.RunCodeRequest) (*sandbox.RunResult, error) {
	session, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusInProgress {
		return nil, apperr.ErrSessionNotActive
	}
	if req.QuestionIndex != session.CurrentQuestionIndex {
		return nil, apperr.ErrOutOfOrder
	}
	q := session.CurrentQuestion()
	if q == nil || !q.Type.IsCode() {
		return nil, apperr.New(apperr.KindValidation, "question does not accept code")
	}

	res := s.runner.Run(ctx, sandboxRequest(q, req.Code))
	return &res, nil
}

// Tick applies timer expiry and pushes the resulting events plus a fresh
// timer:sync to the session owner. Used by the timer driver.
func (s *SessionService) Tick(ctx context.Context, sessionID uuid.UUID, withSync bool) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session, out, err := s.step(ctx, session, engine.Message{Type: engine.MsgTimerTick, SessionID: sessionID})
	if err != nil {
		return err
	}
	s.push(session, out.Events...)
	if withSync && engine.Clocked(session) {
		s.push(session, engine.Event{Type: engine.EventTimerSync, Payload: engine.Sync(session, s.opts.Now())})
	}
	return nil
}

// Sweep abandons the session when its open disconnection outlived its grace.
// It reports whether the session is terminal afterwards.
func (s *SessionService) Sweep(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	session, out, err := s.step(ctx, session, engine.Message{Type: engine.MsgSweep, SessionID: sessionID})
	if err != nil {
		return false, err
	}
	s.push(session, out.Events...)
	return session.Status.IsTerminal(), nil
}

// step dispatches msg and persists the result when it mutated the session.
// On failure the loaded session is returned unchanged and no events escape.
func (s *SessionService) step(ctx context.Context, session *model.TestSession, msg engine.Message) (*model.TestSession, engine.Outcome, error) {
	now := s.opts.Now()
	next, out, err := engine.Dispatch(session, msg, now)
	if err != nil {
		return session, engine.Outcome{}, err
	}
	if !out.Mutated {
		return session, out, nil
	}
	if err := s.persist(ctx, next); err != nil {
		return session, engine.Outcome{}, err
	}
	if s.opts.Connectivity != nil {
		if changes := model.ConnectivityChanges(session, next, now); len(changes) > 0 {
			s.opts.Connectivity.Record(ctx, changes)
		}
	}
	if next.Status != session.Status && next.Status.IsTerminal() {
		log := logger.ForSession(s.log, next.ID, next.UserID)
		log.Info().
			Str("status", string(next.Status)).
			Float64("score", next.Result.Score).
			Msg("Session finished")
	}
	s.monitor(string(msg.Type), next)
	return next, out, nil
}

// persist writes with one retry for transient store failures. A version
// conflict is never retried: the record changed underneath us.
func (s *SessionService) persist(ctx context.Context, session *model.TestSession) error {
	err := s.store.Update(ctx, session)
	if err == nil || apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	log := logger.ForSession(s.log, session.ID, session.UserID)
	log.Warn().Err(err).Int64("version", session.Version).Msg("Session write failed, retrying once")
	err = s.store.Update(ctx, session)
	if err == nil {
		return nil
	}
	// The first write may have landed with its reply lost. Adopt the stored
	// record when it is exactly the write we attempted.
	if apperr.KindOf(err) == apperr.KindVersionConflict {
		if stored, gerr := s.store.Get(ctx, session.ID); gerr == nil && writeLanded(stored, session) {
			session.Version = stored.Version
			session.UpdatedAt = stored.UpdatedAt
			log.Info().Int64("version", stored.Version).Msg("Session write had landed before retry")
			return nil
		}
	}
	return apperr.Wrap(err, apperr.KindInternal, "persist session")
}

// writeLanded reports whether stored is attempted after one successful Update.
func writeLanded(stored, attempted *model.TestSession) bool {
	if stored.Version != attempted.Version+1 {
		return false
	}
	a, b := *stored, *attempted
	a.Version, b.Version = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	ja, errA := json.Marshal(&a)
	jb, errB := json.Marshal(&b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func (s *SessionService) loadOwned(ctx context.Context, userID, sessionID uuid.UUID) (*model.TestSession, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		// Indistinguishable from a missing session on purpose.
		return nil, apperr.ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionService) push(session *model.TestSession, events ...engine.Event) {
	for _, ev := range events {
		s.gateway.Push(session.UserID, SessionEvent{SessionID: session.ID, Event: ev})
	}
}

func (s *SessionService) monitor(eventType string, session *model.TestSession) {
	ev := MonitorEvent{
		Type:                 eventType,
		SessionID:            session.ID,
		UserID:               session.UserID,
		AttemptNumber:        session.AttemptNumber,
		Status:               session.Status,
		CurrentQuestionIndex: session.CurrentQuestionIndex,
		TotalQuestions:       len(session.Questions),
		DisconnectCount:      session.Disconnection.Count,
	}
	for _, q := range session.Questions {
		if q.Status == model.AnswerStatusAnswered {
			ev.Answered++
		}
	}
	if session.Result != nil {
		score := session.Result.Score
		ev.Score = &score
	}
	s.gateway.Monitor(session.TestID, ev)
}

func sandboxRequest(q *model.Question, code string) sandbox.Request {
	cases := make([]sandbox.TestCase, len(q.Code.TestCases))
	for i, tc := range q.Code.TestCases {
		cases[i] = sandbox.TestCase(tc)
	}
	return sandbox.Request{
		Code:          code,
		EntryFunction: q.Code.EntryFunction,
		TestCases:     cases,
		TimeoutMs:     q.Code.TimeoutMs,
		Runtime:       q.Code.Runtime,
	}
}
