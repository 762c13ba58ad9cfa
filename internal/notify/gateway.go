// Package notify delivers session events to connected clients.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/config"
)

// publishTimeout bounds a single publish so a slow Redis never holds up
// the session mutation that triggered it.
const publishTimeout = 2 * time.Second

// Gateway is fire-and-forget: failures are logged, never returned.
type Gateway interface {
	// Push sends payload to every connection of recipientID.
	Push(recipientID uuid.UUID, payload any)
	// Monitor sends payload to the live monitor of testID.
	Monitor(testID uuid.UUID, payload any)
}

// RedisGateway publishes on per-user and per-test Redis channels. Any server
// node holding the recipient's socket forwards the message.
type RedisGateway struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisGateway(rdb *redis.Client, log zerolog.Logger) *RedisGateway {
	return &RedisGateway{
		rdb: rdb,
		log: log.With().Str("component", "notify").Logger(),
	}
}

func (g *RedisGateway) Push(recipientID uuid.UUID, payload any) {
	g.publish(config.CacheKey.UserEventsChannel(recipientID.String()), payload)
}

func (g *RedisGateway) Monitor(testID uuid.UUID, payload any) {
	g.publish(config.CacheKey.TestMonitorChannel(testID.String()), payload)
}

func (g *RedisGateway) publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.log.Error().Err(err).Str("channel", channel).Msg("Failed to encode notification")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := g.rdb.Publish(ctx, channel, data).Err(); err != nil {
		g.log.Warn().Err(err).Str("channel", channel).Msg("Failed to publish notification")
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Push(uuid.UUID, any)    {}
func (Nop) Monitor(uuid.UUID, any) {}
