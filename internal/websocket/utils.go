package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/stemsi/exstem-engine/internal/engine"
)

const (
	WriteWait  = 10 * time.Second
	PongWait   = 60 * time.Second
	PingPeriod = PongWait * 9 / 10
	// MaxMessageSize covers the largest code answer plus envelope.
	MaxMessageSize = engine.MaxCodeBytes + 16*1024
)

// Prepare applies read limits and the pong handler that keeps the read
// deadline moving while the client answers pings.
func Prepare(conn *websocket.Conn) {
	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
}

// WriteRaw sends an already encoded JSON frame.
func WriteRaw(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a keepalive ping.
func WritePing(conn *websocket.Conn) error {
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait))
}

// ReadFrame reads one data frame, extending the read deadline on success.
func ReadFrame(conn *websocket.Conn) ([]byte, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, conn.SetReadDeadline(time.Now().Add(PongWait))
}
