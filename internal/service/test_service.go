package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/model"
)

// TestCacheTTL bounds how stale a cached definition can get when a write
// bypassed this service.
const TestCacheTTL = 10 * time.Minute

// TestRepository is the durable home of test definitions.
type TestRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error)
	Upsert(ctx context.Context, t *model.Test) error
}

// TestService serves test definitions through a Redis read-through cache.
// Sessions never read from here after start: they run off their snapshot.
type TestService struct {
	repo TestRepository
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewTestService creates a new TestService.
func NewTestService(repo TestRepository, rdb *redis.Client, log zerolog.Logger) *TestService {
	return &TestService{
		repo: repo,
		rdb:  rdb,
		log:  log.With().Str("component", "test_service").Logger(),
	}
}

// GetByID returns the live definition, filling the cache on a miss.
func (s *TestService) GetByID(ctx context.Context, id uuid.UUID) (*model.Test, error) {
	key := config.CacheKey.TestPayloadKey(id.String())
	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var t model.Test
		if err := json.Unmarshal(data, &t); err == nil {
			return &t, nil
		}
		s.log.Warn().Str("test_id", id.String()).Msg("Dropping undecodable cached test")
		s.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("test_id", id.String()).Msg("Test cache read failed, using database")
	}

	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.warm(ctx, t)
	return t, nil
}

// Save validates and stores a definition, then refreshes its cache entry.
// Running sessions keep their snapshot.
func (s *TestService) Save(ctx context.Context, t *model.Test) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := t.Validate(); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, err.Error())
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.repo.Upsert(ctx, t); err != nil {
		return err
	}
	s.warm(ctx, t)
	s.log.Info().
		Str("test_id", t.ID.String()).
		Int("questions", len(t.Questions)).
		Int("sections", len(t.Sections)).
		Msg("Test saved")
	return nil
}

func (s *TestService) warm(ctx context.Context, t *model.Test) {
	data, err := json.Marshal(t)
	if err != nil {
		s.log.Error().Err(err).Str("test_id", t.ID.String()).Msg("Failed to encode test for cache")
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.TestPayloadKey(t.ID.String()), data, TestCacheTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("test_id", t.ID.String()).Msg("Failed to cache test")
	}
}
