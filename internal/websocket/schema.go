package websocket

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-engine/internal/engine"
)

// ─── Client → Server ───────────────────────────────────────────────

// ClientMessage is one frame sent by the test-taker. The session is taken
// from the connection, never from the frame.
type ClientMessage struct {
	Type          engine.MessageType `json:"type"`
	QuestionIndex *int               `json:"question_index,omitempty"`
	Answer        json.RawMessage    `json:"answer,omitempty"`
	Reason        string             `json:"reason,omitempty"`
}

// ToMessage binds m to sessionID.
func (m ClientMessage) ToMessage(sessionID uuid.UUID) engine.Message {
	return engine.Message{
		Type:          m.Type,
		SessionID:     sessionID,
		QuestionIndex: m.QuestionIndex,
		Answer:        m.Answer,
		Reason:        m.Reason,
	}
}

// ─── Server → Client ───────────────────────────────────────────────

// ServerEvent is one frame sent to the test-taker.
type ServerEvent struct {
	SessionID uuid.UUID        `json:"session_id"`
	Type      engine.EventType `json:"type"`
	Payload   any              `json:"payload"`
}

// pushHeader is the part of a pushed frame needed to route it.
type pushHeader struct {
	SessionID uuid.UUID `json:"session_id"`
}

// PushedFor reports whether a frame published on the user channel belongs
// to sessionID.
func PushedFor(raw []byte, sessionID uuid.UUID) bool {
	var h pushHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return false
	}
	return h.SessionID == sessionID
}
