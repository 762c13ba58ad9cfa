package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
)

const (
	metricsInterval = 7 * time.Second
	metricsTimeout  = 2 * time.Second
)

// SandboxGauge reports sandbox load.
type SandboxGauge interface {
	InFlight() int64
}

// SystemHandler streams engine and Go runtime metrics via SSE.
type SystemHandler struct {
	rdb       *redis.Client
	sandbox   SandboxGauge
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, sandbox SandboxGauge, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		sandbox:   sandbox,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Engine
	ActiveSessions   int64 `json:"active_sessions"`
	QueuePersist     int64 `json:"queue_persist_sessions"`
	SandboxInFlight  int64 `json:"sandbox_in_flight"`
	RedisUnreachable bool  `json:"redis_unreachable,omitempty"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	StackInuse uint64 `json:"stack_inuse"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// SystemMetricsSSE godoc
// GET /api/v1/admin/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Str("admin_id", claims.UserID.String()).Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c, reqCtx)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c, reqCtx)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context, ctx context.Context) {
	data, err := json.Marshal(h.collect(ctx))
	if err != nil {
		return
	}
	writeSSEData(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	m := systemMetrics{
		Timestamp: time.Now().Unix(),
		Uptime:    formatDuration(time.Since(h.startTime)),
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
	}
	if h.sandbox != nil {
		m.SandboxInFlight = h.sandbox.InFlight()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.StackInuse = ms.StackInuse
	m.NumGC = ms.NumGC

	ctx, cancel := context.WithTimeout(ctx, metricsTimeout)
	defer cancel()
	pipe := h.rdb.Pipeline()
	activeCmd := pipe.SCard(ctx, config.CacheKey.ActiveSessionsKey())
	queueCmd := pipe.LLen(ctx, config.WorkerKey.PersistSessionsQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		m.RedisUnreachable = true
		return m
	}
	m.ActiveSessions, _ = activeCmd.Result()
	m.QueuePersist, _ = queueCmd.Result()
	return m
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
