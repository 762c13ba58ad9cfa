package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/model"
)

// MaxCodeBytes bounds submitted source text.
const MaxCodeBytes = 64 * 1024

// ValidateAnswer checks raw against the contract of q's type and returns the
// normalised answer to store.
func ValidateAnswer(q *model.Question, raw json.RawMessage) (*model.Answer, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, apperr.New(apperr.KindValidation, "answer is required")
	}

	var value any
	switch q.Type {
	case model.QuestionTypeMultipleChoice:
		var idx int
		if err := json.Unmarshal(trimmed, &idx); err != nil {
			return nil, invalid(q.Type, "an integer option index")
		}
		if idx < 0 || idx >= len(q.Options) {
			return nil, apperr.Newf(apperr.KindValidation, "option index %d out of range", idx)
		}
		value = idx

	case model.QuestionTypeTrueFalse:
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, invalid(q.Type, "a boolean")
		}
		value = b

	case model.QuestionTypeFillInTheBlank:
		m, err := decodeBlankMap(q, trimmed)
		if err != nil {
			return nil, err
		}
		value = m

	case model.QuestionTypeDragDropCloze:
		m, err := decodeBlankMap(q, trimmed)
		if err != nil {
			return nil, err
		}
		for blank, opt := range m {
			if !hasOption(q, opt) {
				return nil, apperr.Newf(apperr.KindValidation, "unknown option %q for blank %q", opt, blank)
			}
		}
		value = m

	case model.QuestionTypeCodeChallenge, model.QuestionTypeCodeDebugging:
		code, err := DecodeCode(trimmed)
		if err != nil {
			return nil, err
		}
		value = code

	default:
		return nil, apperr.Newf(apperr.KindValidation, "unsupported question type %q", q.Type)
	}

	norm, err := json.Marshal(value)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "encode answer")
	}
	return &model.Answer{Type: q.Type, Value: norm}, nil
}

// DecodeCode extracts submitted source text.
func DecodeCode(raw json.RawMessage) (string, error) {
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		return "", invalid(model.QuestionTypeCodeChallenge, "source text")
	}
	if strings.TrimSpace(code) == "" {
		return "", apperr.New(apperr.KindValidation, "source code is empty")
	}
	if len(code) > MaxCodeBytes {
		return "", apperr.Newf(apperr.KindValidation, "source code exceeds %d bytes", MaxCodeBytes)
	}
	return code, nil
}

func decodeBlankMap(q *model.Question, raw []byte) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalid(q.Type, "an object mapping blank id to string")
	}
	for id := range m {
		if !hasBlank(q, id) {
			return nil, apperr.Newf(apperr.KindValidation, "unknown blank %q", id)
		}
	}
	return m, nil
}

func hasBlank(q *model.Question, id string) bool {
	for _, b := range q.Blanks {
		if b.ID == id {
			return true
		}
	}
	return false
}

func hasOption(q *model.Question, id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

func invalid(t model.QuestionType, want string) error {
	return apperr.New(apperr.KindValidation, fmt.Sprintf("%s answer must be %s", t, want))
}
