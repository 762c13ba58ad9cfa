package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
	ws "github.com/stemsi/exstem-engine/internal/websocket"
)

const (
	outboxSize = 64
	// disconnectTimeout bounds the offline bookkeeping after a socket dies.
	disconnectTimeout = 5 * time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SessionEngine is the part of the session service a live connection drives.
type SessionEngine interface {
	GetState(ctx context.Context, userID, sessionID uuid.UUID) (*service.SessionState, error)
	Handle(ctx context.Context, userID uuid.UUID, msg engine.Message) ([]engine.Event, error)
}

// WSHandler handles the bidirectional session stream.
type WSHandler struct {
	rdb      *redis.Client
	sessions SessionEngine
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(rdb *redis.Client, sessions SessionEngine, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		rdb:      rdb,
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:id/stream?token=...
// Every client frame is applied to the session in arrival order. Replies go
// back on this connection; server-originated events (timer expiry, sweeps)
// arrive through the user's Redis channel.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// Ownership is checked before the upgrade so a stranger gets a plain 404.
	if _, err := h.sessions.GetState(c.Request.Context(), claims.UserID, sessionID); err != nil {
		response.FailErr(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	ws.Prepare(conn)

	userID := claims.UserID
	wsLog := h.log.With().
		Str("user_id", userID.String()).
		Str("session_id", sessionID.String()).
		Logger()
	wsLog.Info().Msg("Client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := h.rdb.Subscribe(ctx, config.CacheKey.UserEventsChannel(userID.String()))
	defer pubsub.Close()

	out := make(chan []byte, outboxSize)
	writerDone := make(chan struct{})
	go h.writeLoop(ctx, conn, out, writerDone, wsLog)
	go h.forwardPushes(ctx, pubsub, sessionID, out, writerDone)

	send := func(ev engine.Event) {
		data, err := json.Marshal(ws.ServerEvent{SessionID: sessionID, Type: ev.Type, Payload: ev.Payload})
		if err != nil {
			wsLog.Error().Err(err).Str("event", string(ev.Type)).Msg("Failed to encode event")
			return
		}
		select {
		case out <- data:
		case <-writerDone:
		}
	}

	for {
		data, err := ws.ReadFrame(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		var cm ws.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil || cm.Type == "" {
			send(engine.ErrorEvent(apperr.New(apperr.KindValidation, "malformed message")))
			continue
		}

		events, err := h.sessions.Handle(ctx, userID, cm.ToMessage(sessionID))
		for _, ev := range events {
			send(ev)
		}
		if err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				wsLog.Error().Err(err).Str("type", string(cm.Type)).Msg("Message failed")
			} else {
				wsLog.Debug().Err(err).Str("type", string(cm.Type)).Msg("Message rejected")
			}
			send(engine.ErrorEvent(err))
		}
	}

	// A dropped socket counts as going offline. Recording a disconnection is
	// idempotent, so an explicit one sent earlier is not overwritten.
	dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer dcancel()
	_, err = h.sessions.Handle(dctx, userID, engine.Message{
		Type:      engine.MsgDisconnect,
		SessionID: sessionID,
		Reason:    engine.ReasonOffline,
	})
	if err != nil && apperr.KindOf(err) == apperr.KindInternal {
		wsLog.Error().Err(err).Msg("Failed to record disconnection")
	}
	wsLog.Info().Msg("Client disconnected")
}

// writeLoop owns all writes to conn. It exits on the first write failure,
// closing conn so the read loop wakes up.
func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte, done chan<- struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(ws.PingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			if err := ws.WriteRaw(conn, data); err != nil {
				log.Debug().Err(err).Msg("Write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WritePing(conn); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// forwardPushes relays events published for this session to the writer.
func (h *WSHandler) forwardPushes(ctx context.Context, pubsub *redis.PubSub, sessionID uuid.UUID, out chan<- []byte, writerDone <-chan struct{}) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-writerDone:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data := []byte(msg.Payload)
			if !ws.PushedFor(data, sessionID) {
				continue
			}
			select {
			case out <- data:
			case <-writerDone:
				return
			}
		}
	}
}
