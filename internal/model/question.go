package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuestionType is the answer contract a question expects.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multipleChoice"
	QuestionTypeTrueFalse      QuestionType = "trueFalse"
	QuestionTypeFillInTheBlank QuestionType = "fillInTheBlank"
	QuestionTypeDragDropCloze  QuestionType = "dragDropCloze"
	QuestionTypeCodeChallenge  QuestionType = "codeChallenge"
	QuestionTypeCodeDebugging  QuestionType = "codeDebugging"
)

// IsCode reports whether answers of this type are graded by the sandbox.
func (t QuestionType) IsCode() bool {
	return t == QuestionTypeCodeChallenge || t == QuestionTypeCodeDebugging
}

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeMultipleChoice, QuestionTypeTrueFalse, QuestionTypeFillInTheBlank,
		QuestionTypeDragDropCloze, QuestionTypeCodeChallenge, QuestionTypeCodeDebugging:
		return true
	}
	return false
}

// Option is a selectable choice (multiple choice) or a draggable token (cloze).
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Blank is a gap in a fill-in-the-blank or drag-drop cloze question.
// Answer holds the accepted text, CorrectOptionID the accepted token.
type Blank struct {
	ID              string `json:"id"`
	Answer          string `json:"answer,omitempty"`
	CorrectOptionID string `json:"correct_option_id,omitempty"`
}

// TestCase is one invocation of the entry function with its expected result.
type TestCase struct {
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Expected json.RawMessage `json:"expected"`
	Hidden   bool            `json:"hidden"`
}

// CodeSpec configures a code question.
type CodeSpec struct {
	Runtime       string     `json:"runtime"`
	EntryFunction string     `json:"entry_function"`
	StarterCode   string     `json:"starter_code,omitempty"`
	TimeoutMs     int        `json:"timeout_ms"`
	TestCases     []TestCase `json:"test_cases"`
}

// Question is a single question inside a test definition.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	Type          QuestionType `json:"type"`
	SectionIndex  int          `json:"section_index"`
	Prompt        string       `json:"prompt"`
	Points        float64      `json:"points"`
	Options       []Option     `json:"options,omitempty"`
	CorrectOption *int         `json:"correct_option,omitempty"`
	CorrectBool   *bool        `json:"correct_bool,omitempty"`
	Blanks        []Blank      `json:"blanks,omitempty"`
	Code          *CodeSpec    `json:"code,omitempty"`
}

// QuestionView is a question as shown to the test-taker: no answer keys,
// no hidden test cases.
type QuestionView struct {
	Index        int             `json:"index"`
	ID           uuid.UUID       `json:"id"`
	Type         QuestionType    `json:"type"`
	SectionIndex int             `json:"section_index"`
	Prompt       string          `json:"prompt"`
	Points       float64         `json:"points"`
	Options      []Option        `json:"options,omitempty"`
	BlankIDs     []string        `json:"blank_ids,omitempty"`
	Code         *CodeSpecView   `json:"code,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
}

// CodeSpecView exposes the visible part of a CodeSpec.
type CodeSpecView struct {
	Runtime          string     `json:"runtime"`
	EntryFunction    string     `json:"entry_function"`
	StarterCode      string     `json:"starter_code,omitempty"`
	VisibleTestCases []TestCase `json:"visible_test_cases"`
	HiddenTestCount  int        `json:"hidden_test_count"`
}

// View strips answer keys and hidden test cases from q.
func (q *Question) View(index int) QuestionView {
	v := QuestionView{
		Index:        index,
		ID:           q.ID,
		Type:         q.Type,
		SectionIndex: q.SectionIndex,
		Prompt:       q.Prompt,
		Points:       q.Points,
		Options:      q.Options,
	}
	for _, b := range q.Blanks {
		v.BlankIDs = append(v.BlankIDs, b.ID)
	}
	if q.Code != nil {
		cv := &CodeSpecView{
			Runtime:          q.Code.Runtime,
			EntryFunction:    q.Code.EntryFunction,
			StarterCode:      q.Code.StarterCode,
			VisibleTestCases: []TestCase{},
		}
		for _, tc := range q.Code.TestCases {
			if tc.Hidden {
				cv.HiddenTestCount++
				continue
			}
			cv.VisibleTestCases = append(cv.VisibleTestCases, tc)
		}
		v.Code = cv
	}
	return v
}
