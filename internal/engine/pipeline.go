package engine

import (
	"time"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/sandbox"
)

// AnswerAccepted is the body of answer:accepted.
type AnswerAccepted struct {
	QuestionIndex int                 `json:"question_index"`
	Status        model.AnswerStatus  `json:"status"`
	Navigation    Navigation          `json:"navigation"`
	Next          *model.QuestionView `json:"next,omitempty"`
	Code          *CodeFeedback       `json:"code,omitempty"`
}

// AnswerSaved is the body of answer:saved.
type AnswerSaved struct {
	QuestionIndex int       `json:"question_index"`
	SavedAt       time.Time `json:"saved_at"`
}

// PrepareSubmission checks everything a submission needs before the sandbox
// runs, so invalid submissions never reach it. It returns the addressed code
// question and the source text.
func PrepareSubmission(s *model.TestSession, msg Message) (*model.Question, string, error) {
	if err := requireInProgress(s); err != nil {
		return nil, "", err
	}
	idx, err := requireCurrent(s, msg.QuestionIndex, false)
	if err != nil {
		return nil, "", err
	}
	q := &s.Snapshot.Questions[idx]
	if !q.Type.IsCode() {
		return q, "", nil
	}
	code, err := DecodeCode(msg.Answer)
	if err != nil {
		return nil, "", err
	}
	return q, code, nil
}

func handleSubmit(s *model.TestSession, msg Message, now time.Time) (Outcome, error) {
	q, _, err := PrepareSubmission(s, msg)
	if err != nil {
		return Outcome{}, err
	}
	if q.Type.IsCode() && msg.CodeResult == nil {
		return Outcome{}, apperr.New(apperr.KindInternal, "code submission without execution result")
	}
	answer, err := ValidateAnswer(q, msg.Answer)
	if err != nil {
		return Outcome{}, err
	}

	idx := s.CurrentQuestionIndex
	st := &s.Questions[idx]
	st.Answer = answer
	st.Status = model.AnswerStatusAnswered
	st.ViewCount++

	var feedback *CodeFeedback
	if q.Type.IsCode() {
		r := msg.CodeResult
		st.Code = &model.CodeSubmission{
			TotalTestsPassed: r.TotalTestsPassed,
			TotalTests:       r.TotalTests,
			OverallPassed:    r.OverallPassed,
			ErrorType:        r.ErrorType,
			SubmittedAt:      now,
		}
		fb := StudentFeedback(*r)
		feedback = &fb
	}

	out := Outcome{Mutated: true}
	accrueTime(s, now)
	nav := advance(s, now)
	accepted := AnswerAccepted{
		QuestionIndex: idx,
		Status:        st.Status,
		Navigation:    nav,
		Code:          feedback,
	}
	if nav.Action != NavTestCompletion {
		accepted.Next = s.View().Question
	}
	out.emit(EventAnswerAccepted, accepted)
	afterNavigation(s, nav, now, &out)
	return out, nil
}

// handleSave overwrites the current question's answer without navigating.
// Code drafts do not count as answered until submitted.
func handleSave(s *model.TestSession, msg Message, now time.Time) (Outcome, error) {
	if err := requireInProgress(s); err != nil {
		return Outcome{}, err
	}
	idx, err := requireCurrent(s, msg.QuestionIndex, false)
	if err != nil {
		return Outcome{}, err
	}
	q := &s.Snapshot.Questions[idx]
	answer, err := ValidateAnswer(q, msg.Answer)
	if err != nil {
		return Outcome{}, err
	}

	st := &s.Questions[idx]
	st.Answer = answer
	if !q.Type.IsCode() {
		st.Status = model.AnswerStatusAnswered
	}
	accrueTime(s, now)

	out := Outcome{Mutated: true}
	out.emit(EventAnswerSaved, AnswerSaved{QuestionIndex: idx, SavedAt: now})
	return out, nil
}

func handleSkip(s *model.TestSession, msg Message, now time.Time) (Outcome, error) {
	if err := requireInProgress(s); err != nil {
		return Outcome{}, err
	}
	idx, err := requireCurrent(s, msg.QuestionIndex, true)
	if err != nil {
		return Outcome{}, err
	}

	st := &s.Questions[idx]
	if st.Status != model.AnswerStatusAnswered {
		st.Status = model.AnswerStatusSkipped
		st.Answer = nil
	}
	st.ViewCount++

	out := Outcome{Mutated: true}
	accrueTime(s, now)
	nav := advance(s, now)
	accepted := AnswerAccepted{QuestionIndex: idx, Status: st.Status, Navigation: nav}
	if nav.Action != NavTestCompletion {
		accepted.Next = s.View().Question
	}
	out.emit(EventAnswerAccepted, accepted)
	afterNavigation(s, nav, now, &out)
	return out, nil
}

func afterNavigation(s *model.TestSession, nav Navigation, now time.Time, out *Outcome) {
	switch nav.Action {
	case NavSectionTransition:
		out.emit(EventTimerSync, Sync(s, now))
	case NavTestCompletion:
		completeOrReview(s, now, out)
	}
}

// handleNavigate moves back (or forward again) to an already visited question
// inside the current section, when the test allows it.
func handleNavigate(s *model.TestSession, msg Message, now time.Time) (Outcome, error) {
	if err := requireInProgress(s); err != nil {
		return Outcome{}, err
	}
	if !s.Snapshot.Settings.AllowBackNavigation {
		return Outcome{}, apperr.New(apperr.KindValidation, "navigation is disabled for this test")
	}
	if msg.QuestionIndex == nil {
		return Outcome{}, apperr.New(apperr.KindValidation, "question_index is required")
	}
	target := *msg.QuestionIndex
	first, last, _ := s.Snapshot.SectionBounds(s.CurrentSectionIndex)
	if target < first || target > last || target > s.FurthestQuestionIndex {
		return Outcome{}, apperr.Newf(apperr.KindValidation, "question %d is not reachable", target)
	}

	out := Outcome{}
	if target != s.CurrentQuestionIndex {
		accrueTime(s, now)
		enterQuestion(s, target, now)
		s.Questions[target].ViewCount++
		out.Mutated = true
	}
	out.emit(EventSessionState, s.View())
	return out, nil
}

func handleFinish(s *model.TestSession, _ Message, now time.Time) (Outcome, error) {
	if s.Status != model.SessionStatusInProgress && s.Status != model.SessionStatusReviewing {
		return Outcome{}, apperr.ErrSessionNotActive
	}
	var out Outcome
	finish(s, model.SessionStatusCompleted, now, &out)
	return out, nil
}

// CodeFeedback is the student-facing view of a submit-tier result. Hidden
// cases report only whether they passed.
type CodeFeedback struct {
	TestResults      []sandbox.TestResult `json:"test_results"`
	OverallPassed    bool                 `json:"overall_passed"`
	TotalTestsPassed int                  `json:"total_tests_passed"`
	TotalTests       int                  `json:"total_tests"`
	ConsoleLogs      []string             `json:"console_logs"`
	ExecutionError   string               `json:"execution_error,omitempty"`
	CompilationError string               `json:"compilation_error,omitempty"`
	ErrorType        string               `json:"error_type,omitempty"`
}

// StudentFeedback redacts hidden inputs, expected values, outputs and the
// console lines printed while hidden cases ran.
func StudentFeedback(r sandbox.Result) CodeFeedback {
	fb := CodeFeedback{
		TestResults:      make([]sandbox.TestResult, 0, len(r.TestResults)),
		OverallPassed:    r.OverallPassed,
		TotalTestsPassed: r.TotalTestsPassed,
		TotalTests:       r.TotalTests,
		ExecutionError:   r.ExecutionError,
		CompilationError: r.CompilationError,
		ErrorType:        r.ErrorType,
	}

	drop := make([]bool, len(r.ConsoleLogs))
	for _, tr := range r.TestResults {
		if !tr.Hidden {
			fb.TestResults = append(fb.TestResults, tr)
			continue
		}
		for i := tr.LogOffset; i < tr.LogOffset+len(tr.ConsoleLogs) && i < len(drop); i++ {
			drop[i] = true
		}
		fb.TestResults = append(fb.TestResults, sandbox.TestResult{
			Name:            "hidden",
			Passed:          tr.Passed,
			Hidden:          true,
			ExecutionTimeMs: tr.ExecutionTimeMs,
			ConsoleLogs:     []string{},
		})
	}

	fb.ConsoleLogs = make([]string, 0, len(r.ConsoleLogs))
	for i, line := range r.ConsoleLogs {
		if !drop[i] {
			fb.ConsoleLogs = append(fb.ConsoleLogs, line)
		}
	}
	return fb
}
