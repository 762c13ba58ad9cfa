package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/validator"
)

// TestWriter stores test definitions.
type TestWriter interface {
	TestReader
	Save(ctx context.Context, t *model.Test) error
}

// SessionArchive answers reporting queries about attempts of a test.
type SessionArchive interface {
	SessionLister
	CountByTest(ctx context.Context, testID uuid.UUID) (int, error)
}

// SessionReader loads one session record, live or archived.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.TestSession, error)
}

// OverrideCreator grants extra attempts.
type OverrideCreator interface {
	Create(ctx context.Context, o *repository.AttemptOverride) error
}

// ConnectivityHistory lists the audited disconnections of a session.
type ConnectivityHistory interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ConnectivityEvent, error)
}

// AdminHandler handles test authoring and proctor reporting endpoints.
type AdminHandler struct {
	tests        TestWriter
	archive      SessionArchive
	sessions     SessionReader
	overrides    OverrideCreator
	connectivity ConnectivityHistory
	log          zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	tests TestWriter,
	archive SessionArchive,
	sessions SessionReader,
	overrides OverrideCreator,
	connectivity ConnectivityHistory,
	log zerolog.Logger,
) *AdminHandler {
	return &AdminHandler{
		tests:        tests,
		archive:      archive,
		sessions:     sessions,
		overrides:    overrides,
		connectivity: connectivity,
		log:          log.With().Str("component", "admin_handler").Logger(),
	}
}

// SaveTest godoc
// PUT /api/v1/admin/tests
// Creates or replaces a test definition of the caller's organization.
// Running sessions keep the snapshot they started with.
func (h *AdminHandler) SaveTest(c *gin.Context) {
	claims := middleware.GetClaims(c)

	var t model.Test
	if err := c.ShouldBindJSON(&t); err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidPayload, validator.TranslateErrors(err))
		return
	}

	if t.ID != uuid.Nil {
		existing, err := h.tests.GetByID(c.Request.Context(), t.ID)
		if err == nil && existing.OrganizationID != claims.OrganizationID {
			response.Fail(c, http.StatusForbidden, response.ErrForbidden)
			return
		}
	}
	t.OrganizationID = claims.OrganizationID

	if err := h.tests.Save(c.Request.Context(), &t); err != nil {
		response.FailErr(c, err)
		return
	}

	h.log.Info().
		Str("test_id", t.ID.String()).
		Str("admin_id", claims.UserID.String()).
		Msg("Test saved")
	response.Success(c, http.StatusOK, gin.H{"test": t})
}

// GetTest godoc
// GET /api/v1/admin/tests/:id
// Returns the full definition including answer keys.
func (h *AdminHandler) GetTest(c *gin.Context) {
	t, ok := h.ownedTest(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"test": t})
}

// ListTestSessions godoc
// GET /api/v1/admin/tests/:id/sessions?page=1&per_page=20
func (h *AdminHandler) ListTestSessions(c *gin.Context) {
	t, ok := h.ownedTest(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	ctx := c.Request.Context()
	total, err := h.archive.CountByTest(ctx, t.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("Count sessions failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	sessions, err := h.archive.ListByTest(ctx, t.ID, perPage, (page-1)*perPage)
	if err != nil {
		h.log.Error().Err(err).Msg("List sessions failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if sessions == nil {
		sessions = []repository.SessionSummary{}
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"sessions": sessions}, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	})
}

// GetSessionRecord godoc
// GET /api/v1/admin/sessions/:id
// Returns the full session record for review.
func (h *AdminHandler) GetSessionRecord(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": s})
}

// GetSessionConnectivity godoc
// GET /api/v1/admin/sessions/:id/connectivity
// Returns the disconnect and reconnect history of a session, oldest first.
func (h *AdminHandler) GetSessionConnectivity(c *gin.Context) {
	s, ok := h.ownedSession(c)
	if !ok {
		return
	}
	events, err := h.connectivity.ListBySession(c.Request.Context(), s.ID)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("List connectivity failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"events":     events,
		"disconnect": s.Disconnection,
	})
}

// CreateOverrideRequest is the payload for granting extra attempts.
type CreateOverrideRequest struct {
	UserID        string     `json:"user_id" binding:"required,uuid"`
	ExtraAttempts int        `json:"extra_attempts" binding:"required,min=1,max=100"`
	Reason        *string    `json:"reason" binding:"omitempty,max=500"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// CreateAttemptOverride godoc
// POST /api/v1/admin/tests/:id/attempt-overrides
func (h *AdminHandler) CreateAttemptOverride(c *gin.Context) {
	t, ok := h.ownedTest(c)
	if !ok {
		return
	}

	var req CreateOverrideRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{"expires_at": "expires_at must be in the future"})
		return
	}

	o := &repository.AttemptOverride{
		UserID:        uuid.MustParse(req.UserID),
		TestID:        t.ID,
		ExtraAttempts: req.ExtraAttempts,
		Reason:        req.Reason,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := h.overrides.Create(c.Request.Context(), o); err != nil {
		h.log.Error().Err(err).Msg("Create attempt override failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"override": o})
}

// ownedSession loads the session named by :id, scoped like ownedTest.
func (h *AdminHandler) ownedSession(c *gin.Context) (*model.TestSession, bool) {
	claims := middleware.GetClaims(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}
	s, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		response.FailErr(c, err)
		return nil, false
	}
	if s.OrganizationID != claims.OrganizationID {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
		return nil, false
	}
	return s, true
}

// ownedTest loads the test named by :id and checks it belongs to the
// caller's organization. It writes the failure response itself.
func (h *AdminHandler) ownedTest(c *gin.Context) (*model.Test, bool) {
	claims := middleware.GetClaims(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}
	t, err := h.tests.GetByID(c.Request.Context(), id)
	if err != nil {
		response.FailErr(c, err)
		return nil, false
	}
	if t.OrganizationID != claims.OrganizationID {
		response.Fail(c, http.StatusNotFound, response.ErrTestNotFound)
		return nil, false
	}
	return t, true
}
