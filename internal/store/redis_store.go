package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// SessionTTL bounds how long a record stays in the fast lane after its last write.
const SessionTTL = 7 * 24 * time.Hour

// reserveAttemptScript increments the attempt counter unless that would pass
// ARGV[1]. Returns the reserved number or -1.
var reserveAttemptScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return -1
end
return n
`)

// releaseAttemptScript gives back the last reservation only.
var releaseAttemptScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n == tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
end
redis.call('DEL', KEYS[2])
return n
`)

// RedisSessionStore keeps sessions as JSON in Redis. Every write also queues
// the session id for the write-behind persistence worker.
type RedisSessionStore struct {
	rdb     *redis.Client
	archive Archive
	log     zerolog.Logger
}

// NewRedisSessionStore creates the store. archive may be nil, in which case
// a cache miss is a miss.
func NewRedisSessionStore(rdb *redis.Client, archive Archive, log zerolog.Logger) *RedisSessionStore {
	return &RedisSessionStore{
		rdb:     rdb,
		archive: archive,
		log:     log.With().Str("component", "session_store").Logger(),
	}
}

func (r *RedisSessionStore) Create(ctx context.Context, s *model.TestSession) error {
	uniq := config.CacheKey.AttemptKey(s.UserID.String(), s.TestID.String(), s.AttemptNumber)
	ok, err := r.rdb.SetNX(ctx, uniq, s.ID.String(), SessionTTL).Result()
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "reserve session attempt")
	}
	if !ok {
		return apperr.Newf(apperr.KindConflict, "attempt %d already has a session", s.AttemptNumber)
	}

	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "encode session")
	}

	id := s.ID.String()
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.SessionKey(id), data, SessionTTL)
	if !s.Status.IsTerminal() {
		pipe.SAdd(ctx, config.CacheKey.ActiveSessionsKey(), id)
	}
	pipe.RPush(ctx, config.WorkerKey.PersistSessionsQueue, id)
	if _, err := pipe.Exec(ctx); err != nil {
		r.rdb.Del(ctx, uniq)
		return apperr.Wrap(err, apperr.KindInternal, "store session")
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id uuid.UUID) (*model.TestSession, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.SessionKey(id.String())).Bytes()
	if err == nil {
		var s model.TestSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, apperr.Wrap(err, apperr.KindInternal, "decode session")
		}
		return &s, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, apperr.Wrap(err, apperr.KindInternal, "load session")
	}

	// Cache miss: fall back to the archive and heal the fast lane.
	s, err := r.fromArchive(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(s); err == nil {
		if err := r.rdb.SetNX(ctx, config.CacheKey.SessionKey(id.String()), data, SessionTTL).Err(); err != nil {
			r.log.Warn().Err(err).Str("session_id", id.String()).Msg("Failed to heal session cache")
		}
		if !s.Status.IsTerminal() {
			r.rdb.SAdd(ctx, config.CacheKey.ActiveSessionsKey(), id.String())
		}
	}
	return s, nil
}

func (r *RedisSessionStore) fromArchive(ctx context.Context, id uuid.UUID) (*model.TestSession, error) {
	if r.archive == nil {
		return nil, apperr.ErrSessionNotFound
	}
	s, err := r.archive.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.log.Debug().Str("session_id", id.String()).Msg("Session loaded from archive")
	return s, nil
}

func (r *RedisSessionStore) Update(ctx context.Context, s *model.TestSession) error {
	id := s.ID.String()
	key := config.CacheKey.SessionKey(id)
	expected := s.Version
	updatedAt := time.Now().UTC()

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.currentVersion(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if current != expected {
			return apperr.ErrVersionConflict
		}

		next := *s
		next.Version = expected + 1
		next.UpdatedAt = updatedAt
		data, err := json.Marshal(&next)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "encode session")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, SessionTTL)
			if next.Status.IsTerminal() {
				pipe.SRem(ctx, config.CacheKey.ActiveSessionsKey(), id)
			} else {
				pipe.SAdd(ctx, config.CacheKey.ActiveSessionsKey(), id)
			}
			pipe.RPush(ctx, config.WorkerKey.PersistSessionsQueue, id)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		s.Version = expected + 1
		s.UpdatedAt = updatedAt
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return apperr.ErrVersionConflict
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	default:
		return apperr.Wrap(err, apperr.KindInternal, "update session")
	}
}

// currentVersion reads the stored version inside a WATCH, consulting the
// archive when the record fell out of the cache.
func (r *RedisSessionStore) currentVersion(ctx context.Context, tx *redis.Tx, id uuid.UUID) (int64, error) {
	raw, err := tx.Get(ctx, config.CacheKey.SessionKey(id.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		s, err := r.fromArchive(ctx, id)
		if err != nil {
			return 0, err
		}
		return s.Version, nil
	}
	if err != nil {
		return 0, err
	}
	var head struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, fmt.Errorf("decode session version: %w", err)
	}
	return head.Version, nil
}

func (r *RedisSessionStore) NextAttempt(ctx context.Context, userID, testID uuid.UUID, allowed int) (int, error) {
	key := config.CacheKey.AttemptCounterKey(userID.String(), testID.String())

	if r.archive != nil {
		exists, err := r.rdb.Exists(ctx, key).Result()
		if err != nil {
			return 0, apperr.Wrap(err, apperr.KindInternal, "check attempt counter")
		}
		if exists == 0 {
			used, err := r.archive.CountAttempts(ctx, userID, testID)
			if err != nil {
				return 0, err
			}
			r.rdb.SetNX(ctx, key, used, 0)
		}
	}

	n, err := reserveAttemptScript.Run(ctx, r.rdb, []string{key}, allowed).Int()
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindInternal, "reserve attempt")
	}
	if n < 0 {
		return 0, apperr.ErrAttemptsExhausted
	}
	return n, nil
}

func (r *RedisSessionStore) ReleaseAttempt(ctx context.Context, userID, testID uuid.UUID, attempt int) error {
	keys := []string{
		config.CacheKey.AttemptCounterKey(userID.String(), testID.String()),
		config.CacheKey.AttemptKey(userID.String(), testID.String(), attempt),
	}
	if err := releaseAttemptScript.Run(ctx, r.rdb, keys, attempt).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return apperr.Wrap(err, apperr.KindInternal, "release attempt")
	}
	return nil
}

func (r *RedisSessionStore) ListActive(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.rdb.SMembers(ctx, config.CacheKey.ActiveSessionsKey()).Result()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "list active sessions")
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			r.log.Warn().Str("member", m).Msg("Dropping malformed active session id")
			r.rdb.SRem(ctx, config.CacheKey.ActiveSessionsKey(), m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
