package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/sandbox"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// SessionAPI is the request/response surface of the session service.
type SessionAPI interface {
	StartSession(ctx context.Context, userID, orgID, testID uuid.UUID) (*model.TestSession, error)
	GetState(ctx context.Context, userID, sessionID uuid.UUID) (*service.SessionState, error)
	RunCode(ctx context.Context, userID, sessionID uuid.UUID, req model.RunCodeRequest) (*sandbox.RunResult, error)
}

// SessionHandler handles test-taker session endpoints.
type SessionHandler struct {
	sessions SessionAPI
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions SessionAPI, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/sessions
// Reserves the next attempt and starts it.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)

	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	testID, err := uuid.Parse(req.TestID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	session, err := h.sessions.StartSession(c.Request.Context(), claims.UserID, claims.OrganizationID, testID)
	if err != nil {
		h.logFailure(c, err, "Start session failed")
		response.FailErr(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"session": session.View()})
}

// GetSession godoc
// GET /api/v1/sessions/:id
// Returns the current view and timer of a session.
func (h *SessionHandler) GetSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.sessions.GetState(c.Request.Context(), claims.UserID, sessionID)
	if err != nil {
		h.logFailure(c, err, "Get session failed")
		response.FailErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// RunCode godoc
// POST /api/v1/sessions/:id/run
// Runs code against the visible test cases of the current question.
// Nothing is recorded on the session.
func (h *SessionHandler) RunCode(c *gin.Context) {
	claims := middleware.GetClaims(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.RunCodeRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessions.RunCode(c.Request.Context(), claims.UserID, sessionID, req)
	if err != nil {
		h.logFailure(c, err, "Run code failed")
		response.FailErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

func (h *SessionHandler) logFailure(c *gin.Context, err error, msg string) {
	if apperr.KindOf(err) == apperr.KindInternal {
		h.log.Error().
			Err(err).
			Str("request_id", response.RequestID(c)).
			Str("session_id", c.GetString(response.ContextKeySessionID)).
			Msg(msg)
	}
}
