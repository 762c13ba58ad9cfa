package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
)

const (
	keepAliveInterval = 30 * time.Second
	snapshotTimeout   = 5 * time.Second // prevent slow queries from blocking the SSE loop
	snapshotLimit     = 1000
)

// TestReader loads live test definitions.
type TestReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error)
}

// SessionLister lists archived attempts of a test.
type SessionLister interface {
	ListByTest(ctx context.Context, testID uuid.UUID, limit, offset int) ([]repository.SessionSummary, error)
}

// MonitorHandler streams live session activity of a test to proctors.
type MonitorHandler struct {
	rdb      *redis.Client
	tests    TestReader
	sessions SessionLister
	log      zerolog.Logger
}

func NewMonitorHandler(rdb *redis.Client, tests TestReader, sessions SessionLister, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:      rdb,
		tests:    tests,
		sessions: sessions,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorTestSSE godoc
// GET /api/v1/admin/tests/:id/monitor
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)

	testID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	test, err := h.tests.GetByID(c.Request.Context(), testID)
	if err != nil {
		response.FailErr(c, err)
		return
	}
	if test.OrganizationID != claims.OrganizationID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot so nothing published in between is lost.
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.TestMonitorChannel(testID.String()))
	defer pubsub.Close()
	ch := pubsub.Channel()

	h.sendSnapshot(c, reqCtx, test)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	h.log.Info().
		Str("test_id", testID.String()).
		Str("proctor_id", claims.UserID.String()).
		Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("test_id", testID.String()).Msg("Proctor detached from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed.
			writeSSEData(c, []byte(msg.Payload))

		case <-keepAlive.C:
			writeSSEData(c, pingPayload)
		}
	}
}

// sendSnapshot writes the archived attempts as the first event. Live state
// follows as monitor events.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, ctx context.Context, test *model.Test) {
	fetchCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	sessions, err := h.sessions.ListByTest(fetchCtx, test.ID, snapshotLimit, 0)
	if err != nil {
		h.log.Warn().Err(err).Str("test_id", test.ID.String()).Msg("Failed to load monitor snapshot")
		sessions = nil
	}

	stats := map[model.SessionStatus]int{}
	for _, s := range sessions {
		stats[s.Status]++
	}

	c.SSEvent("message", gin.H{
		"type": "snapshot",
		"data": gin.H{
			"test": gin.H{
				"id":              test.ID.String(),
				"title":           test.Title,
				"time_limit":      test.Settings.TimeLimitSeconds,
				"total_questions": len(test.Questions),
				"sections":        len(test.Sections),
			},
			"stats":    stats,
			"sessions": sessions,
		},
	})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, data []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
