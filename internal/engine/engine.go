// Package engine is the session state machine. Handlers are pure: they take a
// session, a message and the server clock, and return the mutated copy plus the
// events to deliver. Loading, locking and persisting are the caller's job.
package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/sandbox"
)

// MessageType names an inbound message.
type MessageType string

const (
	MsgJoin             MessageType = "session:join"
	MsgRejoin           MessageType = "session:rejoin"
	MsgDisconnect       MessageType = "session:disconnect"
	MsgAnswerSubmit     MessageType = "answer:submit"
	MsgAnswerSave       MessageType = "answer:save"
	MsgSkip             MessageType = "question:skip"
	MsgNavigate         MessageType = "question:navigate"
	MsgFinish           MessageType = "test:finish"
	MsgTimerSyncRequest MessageType = "timer:sync_request"

	// Server-internal messages. Clients cannot send these.
	MsgTimerTick MessageType = "timer:tick"
	MsgSweep     MessageType = "session:sweep"
)

// Internal reports whether t may only originate from the server itself.
func (t MessageType) Internal() bool {
	return t == MsgTimerTick || t == MsgSweep
}

// EventType names an outbound event.
type EventType string

const (
	EventSessionState   EventType = "session:state"
	EventTimerSync      EventType = "timer:sync"
	EventPaused         EventType = "session:paused"
	EventResumed        EventType = "session:resumed"
	EventAnswerAccepted EventType = "answer:accepted"
	EventAnswerSaved    EventType = "answer:saved"
	EventSectionExpired EventType = "section:expired"
	EventTestCompleted  EventType = "test:completed"
	EventError          EventType = "error"
)

// Connectivity reasons.
const (
	ReasonNavigation = "navigation"
	ReasonOffline    = "offline"
)

// Message is an inbound message addressed to one session.
type Message struct {
	Type          MessageType     `json:"type"`
	SessionID     uuid.UUID       `json:"session_id"`
	QuestionIndex *int            `json:"question_index,omitempty"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	Reason        string          `json:"reason,omitempty"`

	// CodeResult carries the submit-tier sandbox result for code answers.
	// It is attached server-side and never decoded from the wire.
	CodeResult *sandbox.Result `json:"-"`
}

// Event is an outbound message for the session owner.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Outcome is what a handler produced.
type Outcome struct {
	Events []Event
	// Mutated is false for read-only messages; the caller skips persistence.
	Mutated bool
}

func (o *Outcome) emit(t EventType, payload any) {
	o.Events = append(o.Events, Event{Type: t, Payload: payload})
}

// Handler mutates s in place. Dispatch hands it a private clone.
type Handler func(s *model.TestSession, msg Message, now time.Time) (Outcome, error)

var handlers = map[MessageType]Handler{
	MsgJoin:             handleJoin,
	MsgRejoin:           handleRejoin,
	MsgDisconnect:       handleDisconnect,
	MsgAnswerSubmit:     handleSubmit,
	MsgAnswerSave:       handleSave,
	MsgSkip:             handleSkip,
	MsgNavigate:         handleNavigate,
	MsgFinish:           handleFinish,
	MsgTimerSyncRequest: handleSyncRequest,
	MsgTimerTick:        handleTick,
	MsgSweep:            handleSweep,
}

// Handles reports whether t has a handler.
func Handles(t MessageType) bool {
	_, ok := handlers[t]
	return ok
}

// Dispatch routes msg to its handler. On error the original session is
// returned untouched and no events are produced.
func Dispatch(s *model.TestSession, msg Message, now time.Time) (*model.TestSession, Outcome, error) {
	h, ok := handlers[msg.Type]
	if !ok {
		return s, Outcome{}, apperr.Newf(apperr.KindValidation, "unknown message type %q", msg.Type)
	}
	next := s.Clone()
	out, err := h(next, msg, now)
	if err != nil {
		return s, Outcome{}, err
	}
	if !out.Mutated {
		return s, out, nil
	}
	return next, out, nil
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEvent builds the event reported to a client whose message failed.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Payload: ErrorPayload{
		Code:    string(apperr.KindOf(err)),
		Message: apperr.PublicMessage(err),
	}}
}
