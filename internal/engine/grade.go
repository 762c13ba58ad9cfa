package engine

import (
	"encoding/json"
	"strings"

	"github.com/stemsi/exstem-engine/internal/model"
)

// defaultPoints is used for questions stored without a weight.
const defaultPoints = 1.0

// Grade scores s against its snapshot. The live test definition is never
// consulted, so edits made after the session started cannot change a score.
func Grade(s *model.TestSession) model.SessionResult {
	var res model.SessionResult
	for i := range s.Snapshot.Questions {
		q := &s.Snapshot.Questions[i]
		points := q.Points
		if points <= 0 {
			points = defaultPoints
		}
		res.MaxScore += points

		if i >= len(s.Questions) {
			res.Unanswered++
			continue
		}
		st := &s.Questions[i]
		switch st.Status {
		case model.AnswerStatusAnswered:
			res.Answered++
			res.Score += points * fraction(q, st)
		case model.AnswerStatusSkipped:
			res.Skipped++
		default:
			res.Unanswered++
		}
	}
	return res
}

// fraction returns the share of q's points earned by st, in [0, 1].
func fraction(q *model.Question, st *model.QuestionState) float64 {
	if q.Type.IsCode() {
		if st.Code == nil || st.Code.TotalTests == 0 {
			return 0
		}
		return float64(st.Code.TotalTestsPassed) / float64(st.Code.TotalTests)
	}
	if st.Answer == nil {
		return 0
	}

	switch q.Type {
	case model.QuestionTypeMultipleChoice:
		var idx int
		if json.Unmarshal(st.Answer.Value, &idx) != nil || q.CorrectOption == nil {
			return 0
		}
		return boolScore(idx == *q.CorrectOption)

	case model.QuestionTypeTrueFalse:
		var b bool
		if json.Unmarshal(st.Answer.Value, &b) != nil || q.CorrectBool == nil {
			return 0
		}
		return boolScore(b == *q.CorrectBool)

	case model.QuestionTypeFillInTheBlank:
		return blankScore(q, st.Answer.Value, func(b model.Blank, given string) bool {
			return strings.EqualFold(strings.TrimSpace(given), strings.TrimSpace(b.Answer))
		})

	case model.QuestionTypeDragDropCloze:
		return blankScore(q, st.Answer.Value, func(b model.Blank, given string) bool {
			return given == b.CorrectOptionID
		})
	}
	return 0
}

func blankScore(q *model.Question, raw json.RawMessage, match func(model.Blank, string) bool) float64 {
	if len(q.Blanks) == 0 {
		return 0
	}
	var given map[string]string
	if json.Unmarshal(raw, &given) != nil {
		return 0
	}
	correct := 0
	for _, b := range q.Blanks {
		if v, ok := given[b.ID]; ok && match(b, v) {
			correct++
		}
	}
	return float64(correct) / float64(len(q.Blanks))
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
