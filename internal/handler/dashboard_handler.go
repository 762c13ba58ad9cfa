package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// DashboardHandler handles the proctor dashboard endpoint.
type DashboardHandler struct {
	dashboardService *service.DashboardService
	log              zerolog.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(dashboardService *service.DashboardService, log zerolog.Logger) *DashboardHandler {
	return &DashboardHandler{
		dashboardService: dashboardService,
		log:              log.With().Str("component", "dashboard_handler").Logger(),
	}
}

// GetDashboardData godoc
// GET /api/v1/admin/dashboard
// Returns headline counts, the session status distribution and recent test
// activity of the caller's organization.
func (h *DashboardHandler) GetDashboardData(c *gin.Context) {
	claims := middleware.GetClaims(c)
	data, err := h.dashboardService.GetDashboardData(c.Request.Context(), claims.OrganizationID)
	if err != nil {
		h.log.Error().Err(err).Msg("Load dashboard failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, data)
}
