package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/model"
)

// NavigationAction is the server-computed move after an answer or skip.
type NavigationAction string

const (
	NavNextQuestion      NavigationAction = "next_question"
	NavSectionTransition NavigationAction = "section_transition"
	NavTestCompletion    NavigationAction = "test_completion"
)

// Navigation tells the client where the session went.
type Navigation struct {
	Action        NavigationAction `json:"action"`
	QuestionIndex int              `json:"question_index"`
	SectionIndex  int              `json:"section_index"`
}

// CompletedPayload is the body of test:completed.
type CompletedPayload struct {
	Result model.SessionResult `json:"result"`
}

// NewSessionParams describes a freshly reserved attempt.
type NewSessionParams struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	TestID          uuid.UUID
	OrganizationID  uuid.UUID
	AttemptNumber   int
	AllowedAttempts int
	Snapshot        model.TestSnapshot
}

// NewSession builds a not_started session with one QuestionState per
// snapshot question.
func NewSession(p NewSessionParams, now time.Time) *model.TestSession {
	states := make([]model.QuestionState, len(p.Snapshot.Questions))
	for i, q := range p.Snapshot.Questions {
		states[i] = model.QuestionState{
			QuestionID:   q.ID,
			Type:         q.Type,
			Status:       model.AnswerStatusNotAnswered,
			SectionIndex: q.SectionIndex,
		}
	}
	return &model.TestSession{
		ID:              p.ID,
		UserID:          p.UserID,
		TestID:          p.TestID,
		OrganizationID:  p.OrganizationID,
		AttemptNumber:   p.AttemptNumber,
		AllowedAttempts: p.AllowedAttempts,
		Status:          model.SessionStatusNotStarted,
		Snapshot:        p.Snapshot,
		Questions:       states,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Start moves a not_started session to in_progress on its first question.
func Start(s *model.TestSession, now time.Time) error {
	if s.Status != model.SessionStatusNotStarted {
		return apperr.ErrSessionNotActive
	}
	if len(s.Snapshot.Questions) == 0 {
		return apperr.New(apperr.KindValidation, "test has no questions")
	}
	s.Status = model.SessionStatusInProgress
	s.StartedAt = cloneTime(now)
	enterQuestion(s, 0, now)
	s.CurrentSectionIndex = s.Snapshot.Questions[0].SectionIndex
	s.SectionStartedAt = cloneTime(now)
	s.FurthestQuestionIndex = 0
	return nil
}

func requireInProgress(s *model.TestSession) error {
	if s.Status != model.SessionStatusInProgress {
		return apperr.ErrSessionNotActive
	}
	return nil
}

// requireCurrent resolves the addressed question index. A nil index means the
// current one when allowNil is set.
func requireCurrent(s *model.TestSession, idx *int, allowNil bool) (int, error) {
	if idx == nil {
		if allowNil {
			return s.CurrentQuestionIndex, nil
		}
		return 0, apperr.New(apperr.KindValidation, "question_index is required")
	}
	if *idx != s.CurrentQuestionIndex {
		return 0, apperr.ErrOutOfOrder
	}
	return *idx, nil
}

// accrueTime books the time since the current question was entered.
func accrueTime(s *model.TestSession, now time.Time) {
	if s.QuestionEnteredAt == nil {
		return
	}
	if d := now.Sub(*s.QuestionEnteredAt); d > 0 && s.CurrentQuestionIndex < len(s.Questions) {
		s.Questions[s.CurrentQuestionIndex].TimeSpentMs += d.Milliseconds()
	}
	s.QuestionEnteredAt = cloneTime(now)
}

func enterQuestion(s *model.TestSession, idx int, now time.Time) {
	s.CurrentQuestionIndex = idx
	s.QuestionEnteredAt = cloneTime(now)
	if idx > s.FurthestQuestionIndex {
		s.FurthestQuestionIndex = idx
	}
}

func enterSection(s *model.TestSession, section, first int, now time.Time) {
	s.CurrentSectionIndex = section
	s.SectionStartedAt = cloneTime(now)
	enterQuestion(s, first, now)
}

// nextSectionStart returns the first question after the current section.
func nextSectionStart(s *model.TestSession) (section, first int, ok bool) {
	_, last, found := s.Snapshot.SectionBounds(s.CurrentSectionIndex)
	if !found {
		last = s.CurrentQuestionIndex
	}
	if last+1 >= len(s.Snapshot.Questions) {
		return 0, 0, false
	}
	return s.Snapshot.Questions[last+1].SectionIndex, last + 1, true
}

// advance moves forward from the current question. Time must already be accrued.
func advance(s *model.TestSession, now time.Time) Navigation {
	_, last, _ := s.Snapshot.SectionBounds(s.CurrentSectionIndex)
	if s.CurrentQuestionIndex < last {
		enterQuestion(s, s.CurrentQuestionIndex+1, now)
		return Navigation{Action: NavNextQuestion, QuestionIndex: s.CurrentQuestionIndex, SectionIndex: s.CurrentSectionIndex}
	}
	if section, first, ok := nextSectionStart(s); ok {
		enterSection(s, section, first, now)
		return Navigation{Action: NavSectionTransition, QuestionIndex: first, SectionIndex: section}
	}
	return Navigation{Action: NavTestCompletion, QuestionIndex: s.CurrentQuestionIndex, SectionIndex: s.CurrentSectionIndex}
}

// completeOrReview ends the question flow: review when the test asks for it,
// otherwise the session is completed and graded.
func completeOrReview(s *model.TestSession, now time.Time, out *Outcome) {
	if s.Snapshot.Settings.ReviewBeforeFinish {
		s.Status = model.SessionStatusReviewing
		s.QuestionEnteredAt = nil
		out.emit(EventSessionState, s.View())
		return
	}
	finish(s, model.SessionStatusCompleted, now, out)
}

// finish moves s into a terminal status and attaches the graded result.
func finish(s *model.TestSession, status model.SessionStatus, now time.Time, out *Outcome) {
	accrueTime(s, now)
	s.Status = status
	s.FinishedAt = cloneTime(now)
	s.QuestionEnteredAt = nil
	res := Grade(s)
	res.Status = status
	res.FinishedAt = now
	s.Result = &res
	out.Mutated = true
	out.emit(EventTestCompleted, CompletedPayload{Result: res})
}

func cloneTime(t time.Time) *time.Time {
	return &t
}
