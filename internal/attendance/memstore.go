package attendance

import (
	"context"
	"sort"
	"sync"

	"rollcall/internal/model"
)

// MemStore is a mutex-guarded in-memory Store for development and tests.
// It enforces the same uniqueness constraints as the Postgres schema.
type MemStore struct {
	mu       sync.RWMutex
	subjects map[string]model.Subject
	sessions map[string]model.Session
	tokens   map[string]string // token -> session id
	records  []model.Record
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		subjects: make(map[string]model.Subject),
		sessions: make(map[string]model.Session),
		tokens:   make(map[string]string),
	}
}

func (m *MemStore) CreateSubject(_ context.Context, subject *model.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[subject.ID] = *subject
	return nil
}

func (m *MemStore) GetSubject(_ context.Context, id string) (model.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return model.Subject{}, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) ListSubjects(_ context.Context) ([]model.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Subject, 0, len(m.subjects))
	for _, s := range m.subjects {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) CreateSession(_ context.Context, session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.tokens[session.Token]; taken {
		return ErrDuplicateToken
	}
	m.tokens[session.Token] = session.ID
	m.sessions[session.ID] = cloneSession(*session)
	return nil
}

func (m *MemStore) GetSession(_ context.Context, id string) (model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemStore) GetSessionByToken(ctx context.Context, token string) (model.Session, error) {
	m.mu.RLock()
	id, ok := m.tokens[token]
	m.mu.RUnlock()
	if !ok {
		return model.Session{}, ErrNotFound
	}
	return m.GetSession(ctx, id)
}

func (m *MemStore) ListSessions(_ context.Context, subjectID string) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.SubjectID == subjectID {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].Time > out[j].Time
	})
	return out, nil
}

func (m *MemStore) SetActive(_ context.Context, id string, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IsActive == active {
		return false, nil
	}
	s.IsActive = active
	m.sessions[id] = s
	return true, nil
}

func (m *MemStore) Deactivate(ctx context.Context, id string) (bool, error) {
	return m.SetActive(ctx, id, false)
}

func (m *MemStore) ClearAutoClose(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.AutoCloseAt = nil
	s.DurationMinutes = nil
	m.sessions[id] = s
	return nil
}

func (m *MemStore) ListAutoClosing(_ context.Context) ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.IsActive && s.AutoCloseAt != nil {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *MemStore) RecordExists(_ context.Context, sessionID, studentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.SessionID == sessionID && r.StudentID == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) InsertRecord(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.SessionID == rec.SessionID && r.StudentID == rec.StudentID {
			return ErrDuplicateRecord
		}
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemStore) ListRecords(_ context.Context, sessionID string) ([]model.Record, error) {
	return m.filterRecords(func(r model.Record) bool { return r.SessionID == sessionID }), nil
}

func (m *MemStore) RecordsByAddress(_ context.Context, sessionID, address string) ([]model.Record, error) {
	return m.filterRecords(func(r model.Record) bool {
		return r.SessionID == sessionID && r.IPAddress == address
	}), nil
}

func (m *MemStore) RecordsByFingerprint(_ context.Context, sessionID, fingerprint string) ([]model.Record, error) {
	return m.filterRecords(func(r model.Record) bool {
		return r.SessionID == sessionID && r.Fingerprint == fingerprint
	}), nil
}

func (m *MemStore) filterRecords(keep func(model.Record) bool) []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Record
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func cloneSession(s model.Session) model.Session {
	if s.DurationMinutes != nil {
		d := *s.DurationMinutes
		s.DurationMinutes = &d
	}
	if s.AutoCloseAt != nil {
		at := *s.AutoCloseAt
		s.AutoCloseAt = &at
	}
	return s
}
