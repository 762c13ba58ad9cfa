package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TestSettings are the test-level knobs that shape a session.
type TestSettings struct {
	TimeLimitSeconds       int  `json:"time_limit_seconds"`
	AllowedAttempts        int  `json:"allowed_attempts"`
	AllowBackNavigation    bool `json:"allow_back_navigation"`
	ReviewBeforeFinish     bool `json:"review_before_finish"`
	NavigationGraceSeconds int  `json:"navigation_grace_seconds"`
	OfflineGraceSeconds    int  `json:"offline_grace_seconds"`
}

// Section is a timed group of consecutive questions.
type Section struct {
	Title            string `json:"title"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
}

// Test is the live, editable test definition.
type Test struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	Title          string       `json:"title"`
	Settings       TestSettings `json:"settings"`
	Sections       []Section    `json:"sections"`
	Questions      []Question   `json:"questions"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TestSnapshot is the frozen copy of a Test taken at session start.
// Grading and navigation read only from the snapshot.
type TestSnapshot struct {
	TestID    uuid.UUID    `json:"test_id"`
	Title     string       `json:"title"`
	Settings  TestSettings `json:"settings"`
	Sections  []Section    `json:"sections"`
	Questions []Question   `json:"questions"`
	TakenAt   time.Time    `json:"taken_at"`
}

// Validate checks the structural invariants the engine relies on: at least one
// question, questions grouped by non-decreasing section index, every section
// index within range, and code questions carrying a CodeSpec.
func (t *Test) Validate() error {
	if len(t.Questions) == 0 {
		return fmt.Errorf("test %s has no questions", t.ID)
	}
	prev := 0
	for i, q := range t.Questions {
		if !q.Type.Valid() {
			return fmt.Errorf("question %d: unknown type %q", i, q.Type)
		}
		if q.SectionIndex < prev {
			return fmt.Errorf("question %d: section index goes backwards", i)
		}
		if len(t.Sections) > 0 && q.SectionIndex >= len(t.Sections) {
			return fmt.Errorf("question %d: section index %d out of range", i, q.SectionIndex)
		}
		if len(t.Sections) == 0 && q.SectionIndex != 0 {
			return fmt.Errorf("question %d: section index set on a test without sections", i)
		}
		if q.Type.IsCode() && (q.Code == nil || q.Code.EntryFunction == "") {
			return fmt.Errorf("question %d: code question without entry function", i)
		}
		prev = q.SectionIndex
	}
	return nil
}

// Snapshot returns a deep copy of t. The copy shares no memory with t,
// so later edits to the live definition cannot leak into a running session.
func (t *Test) Snapshot(now time.Time) (TestSnapshot, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return TestSnapshot{}, fmt.Errorf("marshal test: %w", err)
	}
	var cp Test
	if err := json.Unmarshal(raw, &cp); err != nil {
		return TestSnapshot{}, fmt.Errorf("unmarshal test: %w", err)
	}
	return TestSnapshot{
		TestID:    cp.ID,
		Title:     cp.Title,
		Settings:  cp.Settings,
		Sections:  cp.Sections,
		Questions: cp.Questions,
		TakenAt:   now,
	}, nil
}

// Sectioned reports whether the snapshot has explicit sections.
func (s *TestSnapshot) Sectioned() bool {
	return len(s.Sections) > 0
}

// SectionCount returns the number of sections, counting an unsectioned test as one.
func (s *TestSnapshot) SectionCount() int {
	if len(s.Sections) == 0 {
		return 1
	}
	return len(s.Sections)
}

// SectionLimit returns the time limit of section idx, zero when untimed.
func (s *TestSnapshot) SectionLimit(idx int) time.Duration {
	if idx < 0 || idx >= len(s.Sections) {
		return 0
	}
	return time.Duration(s.Sections[idx].TimeLimitSeconds) * time.Second
}

// OverallLimit returns the test-wide time limit, zero when untimed.
func (s *TestSnapshot) OverallLimit() time.Duration {
	return time.Duration(s.Settings.TimeLimitSeconds) * time.Second
}

// SectionBounds returns the first and last question index of section idx,
// or ok=false when the section has no questions.
func (s *TestSnapshot) SectionBounds(idx int) (first, last int, ok bool) {
	first, last = -1, -1
	for i, q := range s.Questions {
		if q.SectionIndex != idx {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	return first, last, first >= 0
}

// NavigationGrace is the budget for deliberate page transitions.
func (s *TestSnapshot) NavigationGrace() time.Duration {
	return time.Duration(s.Settings.NavigationGraceSeconds) * time.Second
}

// OfflineGrace is the budget for unexpected connection drops.
func (s *TestSnapshot) OfflineGrace() time.Duration {
	return time.Duration(s.Settings.OfflineGraceSeconds) * time.Second
}

// StartSessionRequest is the payload for starting a new attempt.
type StartSessionRequest struct {
	TestID string `json:"test_id" binding:"required,uuid"`
}

// RunCodeRequest is the payload for a run-tier execution.
type RunCodeRequest struct {
	QuestionIndex int    `json:"question_index" binding:"min=0"`
	Code          string `json:"code" binding:"required,notblank,max=65536"`
}
