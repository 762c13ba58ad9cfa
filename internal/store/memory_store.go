package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-engine/internal/apperr"
	"github.com/stemsi/exstem-engine/internal/model"
)

type attemptKey struct {
	user, test uuid.UUID
}

// MemorySessionStore keeps sessions in process. Records are stored encoded so
// callers never share memory with the store.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID][]byte
	versions map[uuid.UUID]int64
	active   map[uuid.UUID]struct{}
	attempts map[attemptKey]int
	taken    map[attemptKey]map[int]struct{}
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[uuid.UUID][]byte),
		versions: make(map[uuid.UUID]int64),
		active:   make(map[uuid.UUID]struct{}),
		attempts: make(map[attemptKey]int),
		taken:    make(map[attemptKey]map[int]struct{}),
	}
}

func (m *MemorySessionStore) Create(_ context.Context, s *model.TestSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attemptKey{s.UserID, s.TestID}
	if _, dup := m.taken[k][s.AttemptNumber]; dup {
		return apperr.Newf(apperr.KindConflict, "attempt %d already has a session", s.AttemptNumber)
	}
	if _, dup := m.sessions[s.ID]; dup {
		return apperr.Newf(apperr.KindConflict, "session %s already exists", s.ID)
	}

	s.Version = 1
	if err := m.put(s); err != nil {
		return err
	}
	if m.taken[k] == nil {
		m.taken[k] = make(map[int]struct{})
	}
	m.taken[k][s.AttemptNumber] = struct{}{}
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id uuid.UUID) (*model.TestSession, error) {
	m.mu.Lock()
	raw, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.ErrSessionNotFound
	}
	var s model.TestSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "decode session")
	}
	return &s, nil
}

func (m *MemorySessionStore) Update(_ context.Context, s *model.TestSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.versions[s.ID]
	if !ok {
		return apperr.ErrSessionNotFound
	}
	if current != s.Version {
		return apperr.ErrVersionConflict
	}

	next := *s
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	if err := m.put(&next); err != nil {
		return err
	}
	s.Version = next.Version
	s.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemorySessionStore) put(s *model.TestSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "encode session")
	}
	m.sessions[s.ID] = data
	m.versions[s.ID] = s.Version
	if s.Status.IsTerminal() {
		delete(m.active, s.ID)
	} else {
		m.active[s.ID] = struct{}{}
	}
	return nil
}

func (m *MemorySessionStore) NextAttempt(_ context.Context, userID, testID uuid.UUID, allowed int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attemptKey{userID, testID}
	if m.attempts[k] >= allowed {
		return 0, apperr.ErrAttemptsExhausted
	}
	m.attempts[k]++
	return m.attempts[k], nil
}

func (m *MemorySessionStore) ReleaseAttempt(_ context.Context, userID, testID uuid.UUID, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attemptKey{userID, testID}
	if m.attempts[k] == attempt {
		m.attempts[k]--
	}
	delete(m.taken[k], attempt)
	return nil
}

func (m *MemorySessionStore) ListActive(context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids, nil
}
