// Package store owns the persisted session record.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-engine/internal/model"
)

// SessionStore is the single owner of TestSession records.
//
// Update is a compare-and-swap on Version: the caller passes the session it
// loaded, mutated, with Version untouched. A stale version fails with
// apperr.ErrVersionConflict and nothing is written. On success Version is
// bumped in place.
type SessionStore interface {
	Create(ctx context.Context, s *model.TestSession) error
	Get(ctx context.Context, id uuid.UUID) (*model.TestSession, error)
	Update(ctx context.Context, s *model.TestSession) error

	// NextAttempt reserves the next attempt number for (userID, testID),
	// failing with apperr.ErrAttemptsExhausted past allowed.
	NextAttempt(ctx context.Context, userID, testID uuid.UUID, allowed int) (int, error)
	// ReleaseAttempt hands back a reservation whose session was never created.
	ReleaseAttempt(ctx context.Context, userID, testID uuid.UUID, attempt int) error

	// ListActive returns the ids of sessions that are not terminal.
	ListActive(ctx context.Context) ([]uuid.UUID, error)
}

// Archive is the durable copy of sessions used when the fast lane misses.
type Archive interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.TestSession, error)
	CountAttempts(ctx context.Context, userID, testID uuid.UUID) (int, error)
}
