package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates test session states.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "not_started"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusReviewing  SessionStatus = "reviewing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusAbandoned  SessionStatus = "abandoned"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusExpired || s == SessionStatusAbandoned
}

// AnswerStatus is the per-question progress marker.
type AnswerStatus string

const (
	AnswerStatusNotAnswered AnswerStatus = "not_answered"
	AnswerStatusAnswered    AnswerStatus = "answered"
	AnswerStatusSkipped     AnswerStatus = "skipped"
)

// Answer is a type-tagged answer payload. Value is kept raw so the
// stored answer round-trips exactly as validated.
type Answer struct {
	Type  QuestionType    `json:"type"`
	Value json.RawMessage `json:"value"`
}

// CodeSubmission is the immutable summary of a submit-tier execution.
type CodeSubmission struct {
	TotalTestsPassed int       `json:"total_tests_passed"`
	TotalTests       int       `json:"total_tests"`
	OverallPassed    bool      `json:"overall_passed"`
	ErrorType        string    `json:"error_type,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// QuestionState is the mutable per-question state of a session.
type QuestionState struct {
	QuestionID   uuid.UUID       `json:"question_id"`
	Type         QuestionType    `json:"type"`
	Answer       *Answer         `json:"answer,omitempty"`
	Status       AnswerStatus    `json:"status"`
	TimeSpentMs  int64           `json:"time_spent_ms"`
	ViewCount    int             `json:"view_count"`
	SectionIndex int             `json:"section_index"`
	Code         *CodeSubmission `json:"code,omitempty"`
}

// DisconnectionTracking accumulates connectivity history and grace usage.
type DisconnectionTracking struct {
	Count                 int        `json:"count"`
	TotalOfflineMs        int64      `json:"total_offline_ms"`
	LastReason            string     `json:"last_reason,omitempty"`
	LastDisconnectedAt    *time.Time `json:"last_disconnected_at,omitempty"`
	NavigationGraceUsedMs int64      `json:"navigation_grace_used_ms"`
	OfflineGraceUsedMs    int64      `json:"offline_grace_used_ms"`
}

// Open reports whether a disconnection is currently recorded.
func (d *DisconnectionTracking) Open() bool {
	return d.LastDisconnectedAt != nil
}

// SessionResult is the graded outcome attached when a session ends.
type SessionResult struct {
	Status     SessionStatus `json:"status"`
	Score      float64       `json:"score"`
	MaxScore   float64       `json:"max_score"`
	Answered   int           `json:"answered"`
	Skipped    int           `json:"skipped"`
	Unanswered int           `json:"unanswered"`
	FinishedAt time.Time     `json:"finished_at"`
}

// TestSession is one attempt of one user at one test.
type TestSession struct {
	ID                    uuid.UUID             `json:"id"`
	UserID                uuid.UUID             `json:"user_id"`
	TestID                uuid.UUID             `json:"test_id"`
	OrganizationID        uuid.UUID             `json:"organization_id"`
	AttemptNumber         int                   `json:"attempt_number"`
	AllowedAttempts       int                   `json:"allowed_attempts"`
	Status                SessionStatus         `json:"status"`
	Snapshot              TestSnapshot          `json:"snapshot"`
	Questions             []QuestionState       `json:"questions"`
	CurrentSectionIndex   int                   `json:"current_section_index"`
	CurrentQuestionIndex  int                   `json:"current_question_index"`
	FurthestQuestionIndex int                   `json:"furthest_question_index"`
	StartedAt             *time.Time            `json:"started_at,omitempty"`
	SectionStartedAt      *time.Time            `json:"section_started_at,omitempty"`
	QuestionEnteredAt     *time.Time            `json:"question_entered_at,omitempty"`
	FinishedAt            *time.Time            `json:"finished_at,omitempty"`
	Disconnection         DisconnectionTracking `json:"disconnection_tracking"`
	Result                *SessionResult        `json:"result,omitempty"`
	Version               int64                 `json:"version"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
}

// Clone returns a copy of s that can be mutated without affecting s.
// The snapshot is shared because nothing ever writes to it.
func (s *TestSession) Clone() *TestSession {
	cp := *s
	cp.Questions = make([]QuestionState, len(s.Questions))
	for i, q := range s.Questions {
		if q.Answer != nil {
			a := *q.Answer
			a.Value = append(json.RawMessage(nil), q.Answer.Value...)
			q.Answer = &a
		}
		if q.Code != nil {
			c := *q.Code
			q.Code = &c
		}
		cp.Questions[i] = q
	}
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.SectionStartedAt = cloneTime(s.SectionStartedAt)
	cp.QuestionEnteredAt = cloneTime(s.QuestionEnteredAt)
	cp.FinishedAt = cloneTime(s.FinishedAt)
	cp.Disconnection.LastDisconnectedAt = cloneTime(s.Disconnection.LastDisconnectedAt)
	if s.Result != nil {
		r := *s.Result
		cp.Result = &r
	}
	return &cp
}

// CurrentQuestion returns the snapshot question at the current index.
func (s *TestSession) CurrentQuestion() *Question {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.Snapshot.Questions) {
		return nil
	}
	return &s.Snapshot.Questions[s.CurrentQuestionIndex]
}

// SessionView is the student-facing projection of a session.
type SessionView struct {
	ID                   uuid.UUID      `json:"id"`
	TestID               uuid.UUID      `json:"test_id"`
	Title                string         `json:"title"`
	AttemptNumber        int            `json:"attempt_number"`
	AllowedAttempts      int            `json:"allowed_attempts"`
	Status               SessionStatus  `json:"status"`
	CurrentSectionIndex  int            `json:"current_section_index"`
	CurrentQuestionIndex int            `json:"current_question_index"`
	TotalQuestions       int            `json:"total_questions"`
	SectionCount         int            `json:"section_count"`
	Question             *QuestionView  `json:"question,omitempty"`
	Result               *SessionResult `json:"result,omitempty"`
}

// View projects s for the test-taker. The current question carries the
// answer already stored for it so a reconnecting client can restore it.
func (s *TestSession) View() SessionView {
	v := SessionView{
		ID:                   s.ID,
		TestID:               s.TestID,
		Title:                s.Snapshot.Title,
		AttemptNumber:        s.AttemptNumber,
		AllowedAttempts:      s.AllowedAttempts,
		Status:               s.Status,
		CurrentSectionIndex:  s.CurrentSectionIndex,
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		TotalQuestions:       len(s.Snapshot.Questions),
		SectionCount:         s.Snapshot.SectionCount(),
		Result:               s.Result,
	}
	if q := s.CurrentQuestion(); q != nil && !s.Status.IsTerminal() {
		qv := q.View(s.CurrentQuestionIndex)
		if st := s.Questions[s.CurrentQuestionIndex]; st.Answer != nil {
			qv.Answer = st.Answer.Value
		}
		v.Question = &qv
	}
	return v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
