package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

const (
	PersistBatchSize    = 50
	PersistBatchTimeout = 2 * time.Second
	PersistPollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	PersistRetryDelay   = 5 * time.Second
)

// SessionLoader reads the latest session record.
type SessionLoader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.TestSession, error)
}

// SessionArchiver writes session records to durable storage. Writes must be
// idempotent and never replace a newer version.
type SessionArchiver interface {
	BulkUpsert(ctx context.Context, sessions []*model.TestSession) error
}

// SessionPersistWorker drains persist_sessions_queue and copies the latest
// version of each queued session to PostgreSQL.
type SessionPersistWorker struct {
	rdb      *redis.Client
	sessions SessionLoader
	archive  SessionArchiver
	log      zerolog.Logger
}

// NewSessionPersistWorker creates a new SessionPersistWorker.
func NewSessionPersistWorker(rdb *redis.Client, sessions SessionLoader, archive SessionArchiver, log zerolog.Logger) *SessionPersistWorker {
	return &SessionPersistWorker{
		rdb:      rdb,
		sessions: sessions,
		archive:  archive,
		log:      log.With().Str("component", "session_persist_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *SessionPersistWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	batch := make([]string, 0, PersistBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= PersistBatchSize || time.Since(lastFlush) >= PersistBatchTimeout) {
			if !w.flush(ctx, batch) {
				sleep(ctx, PersistRetryDelay)
			}
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			w.flush(context.Background(), batch)
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			item, err := w.rdb.BLPop(ctx, PersistPollTimeout, config.WorkerKey.PersistSessionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}
			if len(item) < 2 {
				continue
			}
			batch = append(batch, item[1])
		}
	}
}

// flush archives the sessions named in batch. A session queued several times
// is written once with its latest version. On failure the ids go back to the
// queue and flush reports false.
func (w *SessionPersistWorker) flush(ctx context.Context, batch []string) bool {
	if len(batch) == 0 {
		return true
	}

	seen := make(map[uuid.UUID]struct{}, len(batch))
	sessions := make([]*model.TestSession, 0, len(batch))
	for _, raw := range batch {
		id, err := uuid.Parse(raw)
		if err != nil {
			w.log.Error().Err(err).Str("item", raw).Msg("Invalid session id in queue")
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		s, err := w.sessions.Get(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrSessionNotFound) {
				w.log.Warn().Str("session_id", raw).Msg("Queued session no longer exists")
				continue
			}
			w.log.Error().Err(err).Str("session_id", raw).Msg("Load error, requeueing")
			w.requeue(ctx, raw)
			continue
		}
		sessions = append(sessions, s)
	}
	if len(sessions) == 0 {
		return true
	}

	if err := w.archive.BulkUpsert(ctx, sessions); err != nil {
		w.log.Error().Err(err).Int("count", len(sessions)).Msg("Archive error, requeueing batch")
		for _, s := range sessions {
			w.requeue(ctx, s.ID.String())
		}
		return false
	}
	w.log.Debug().Int("count", len(sessions)).Msg("Sessions archived")
	return true
}

func (w *SessionPersistWorker) requeue(ctx context.Context, id string) {
	if err := w.rdb.RPush(ctx, config.WorkerKey.PersistSessionsQueue, id).Err(); err != nil {
		w.log.Error().Err(err).Str("session_id", id).Msg("Requeue failed")
	}
}

// drain processes everything left in the queue before shutdown.
func (w *SessionPersistWorker) drain(ctx context.Context) {
	items, err := w.rdb.LPopCount(ctx, config.WorkerKey.PersistSessionsQueue, PersistBatchSize).Result()
	drained := 0
	for err == nil && len(items) > 0 {
		if !w.flush(ctx, items) {
			break
		}
		drained += len(items)
		if len(items) < PersistBatchSize {
			break
		}
		items, err = w.rdb.LPopCount(ctx, config.WorkerKey.PersistSessionsQueue, PersistBatchSize).Result()
	}
	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
