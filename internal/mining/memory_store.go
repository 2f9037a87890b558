package mining

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. It enforces
// the same invariants the Postgres store does: one active session per
// subject, and Claim only succeeds against an active row.
type MemoryStore struct {
	mu              sync.RWMutex
	sessions        map[string]*Session
	activeBySubject map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:        make(map[string]*Session),
		activeBySubject: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.activeBySubject[session.SubjectID]; exists {
		return ErrActiveSessionExists
	}
	cp := *session
	m.sessions[session.ID] = &cp
	m.activeBySubject[session.SubjectID] = session.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) GetActiveBySubject(ctx context.Context, subjectID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.activeBySubject[subjectID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *m.sessions[id]
	return &cp, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string, to Status, completedAt time.Time, finalAmount string, val Validation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Status != StatusActive {
		return ErrInvalidState
	}
	session.Status = to
	session.CompletedAt = &completedAt
	session.FinalAmount = finalAmount
	session.Validation = val
	session.UpdatedAt = completedAt
	delete(m.activeBySubject, session.SubjectID)
	return nil
}

func (m *MemoryStore) MarkCredited(ctx context.Context, id, ledgerTxID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.CreditedAt = &at
	session.LedgerTxID = ledgerTxID
	session.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, id := range m.activeBySubject {
		session := m.sessions[id]
		if session.Overrun(asOf) {
			cp := *session
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUncredited(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, session := range m.sessions {
		if session.Status.IsTerminal() && session.CreditedAt == nil && session.FinalAmount != "" && session.FinalAmount != "0.000000" {
			cp := *session
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
