package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

const (
	ConnectivityBatchSize    = 100
	ConnectivityBatchTimeout = 2 * time.Second
	ConnectivityPollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	connectivityShutdown     = 5 * time.Second
)

// ConnectivityQueue enqueues connectivity events for the ConnectivityWorker.
type ConnectivityQueue struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewConnectivityQueue creates a new ConnectivityQueue.
func NewConnectivityQueue(rdb *redis.Client, log zerolog.Logger) *ConnectivityQueue {
	return &ConnectivityQueue{
		rdb: rdb,
		log: log.With().Str("component", "connectivity_queue").Logger(),
	}
}

// Record pushes events onto the queue. The history is best effort: a failed
// push is logged and dropped, never surfaced to the session.
func (q *ConnectivityQueue) Record(ctx context.Context, events []model.ConnectivityEvent) {
	if len(events) == 0 {
		return
	}
	pipe := q.rdb.Pipeline()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			q.log.Error().Err(err).Msg("Failed to encode connectivity event")
			continue
		}
		pipe.RPush(ctx, config.WorkerKey.PersistConnectivityQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn().Err(err).Int("count", len(events)).Msg("Failed to queue connectivity events")
	}
}

// ConnectivityArchiver appends connectivity events to durable storage.
type ConnectivityArchiver interface {
	BulkInsert(ctx context.Context, events []model.ConnectivityEvent) error
	Insert(ctx context.Context, e model.ConnectivityEvent) error
}

// ConnectivityWorker drains persist_connectivity_queue into the archive.
type ConnectivityWorker struct {
	rdb     *redis.Client
	archive ConnectivityArchiver
	log     zerolog.Logger
}

// NewConnectivityWorker creates a new ConnectivityWorker.
func NewConnectivityWorker(rdb *redis.Client, archive ConnectivityArchiver, log zerolog.Logger) *ConnectivityWorker {
	return &ConnectivityWorker{
		rdb:     rdb,
		archive: archive,
		log:     log.With().Str("component", "connectivity_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *ConnectivityWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	buffer := make([]model.ConnectivityEvent, 0, ConnectivityBatchSize)
	lastFlush := time.Now()

	for {
		// 1. Flush on size or age.
		if len(buffer) > 0 &&
			(len(buffer) >= ConnectivityBatchSize || time.Since(lastFlush) >= ConnectivityBatchTimeout) {
			if !w.flushSafe(ctx, buffer) {
				sleep(ctx, PersistRetryDelay)
			}
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		// 2. Graceful shutdown.
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis. BLPop returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, ConnectivityPollTimeout, config.WorkerKey.PersistConnectivityQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleep(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var ev model.ConnectivityEvent
		if err := json.Unmarshal([]byte(result[1]), &ev); err != nil {
			// Malformed entries can never succeed.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed event")
			continue
		}
		buffer = append(buffer, ev)
	}
}

// flushSafe tries one bulk copy, then row by row, requeueing rows that still
// fail. It reports false when anything had to be requeued.
func (w *ConnectivityWorker) flushSafe(ctx context.Context, batch []model.ConnectivityEvent) bool {
	if len(batch) == 0 {
		return true
	}
	err := w.archive.BulkInsert(ctx, batch)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Connectivity events archived")
		return true
	}
	w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")

	var requeue []model.ConnectivityEvent
	for _, ev := range batch {
		if err := w.archive.Insert(ctx, ev); err != nil {
			w.log.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("Insert failed, requeueing")
			requeue = append(requeue, ev)
		}
	}
	if len(requeue) == 0 {
		return true
	}
	w.requeue(ctx, requeue)
	return false
}

func (w *ConnectivityWorker) requeue(ctx context.Context, items []model.ConnectivityEvent) {
	pipe := w.rdb.Pipeline()
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		pipe.RPush(ctx, config.WorkerKey.PersistConnectivityQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue connectivity events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
}

func (w *ConnectivityWorker) shutdown(buffer []model.ConnectivityEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), connectivityShutdown)
	defer cancel()
	w.flushSafe(shutdownCtx, buffer)
	w.log.Info().Msg("Worker stopped")
}
