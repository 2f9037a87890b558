package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/pagination"
	"github.com/pickaxe-app/pickaxe/internal/token"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances  map[string]*Balance
	txs       map[string]*Transaction
	bySession map[string]string // sessionID → txID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:  make(map[string]*Balance),
		txs:       make(map[string]*Transaction),
		bySession: make(map[string]string),
	}
}

func (m *MemoryStore) GetBalance(_ context.Context, subjectID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[subjectID]; ok {
		cp := *bal
		return &cp, nil
	}
	// Virtual zero row: Version 0 signals "must not exist" to PutBalance.
	return &Balance{
		SubjectID:   subjectID,
		Sendable:    token.Zero(),
		NonSendable: token.Zero(),
		Pending:     token.Zero(),
		Version:     0,
		UpdatedAt:   time.Now(),
	}, nil
}

func (m *MemoryStore) PutBalance(_ context.Context, bal *Balance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.balances[bal.SubjectID]
	if !exists {
		if expectedVersion != 0 {
			return ErrVersionConflict
		}
	} else if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	cp := *bal
	m.balances[bal.SubjectID] = &cp
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One mining transaction per session.
	if tx.SessionID != "" {
		if _, ok := m.bySession[tx.SessionID]; ok {
			return ErrDuplicateTx
		}
		m.bySession[tx.SessionID] = tx.ID
	}

	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetTransactionBySession(_ context.Context, sessionID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySession[sessionID]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, subjectID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.ToSubjectID != subjectID && tx.FromSubjectID != subjectID {
			continue
		}
		if before != nil && !beforeCursor(tx, before) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether tx sorts strictly after the cursor position
// in the newest-first (created_at, id) ordering.
func beforeCursor(tx *Transaction, c *pagination.Cursor) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.ID < c.ID
	}
	return tx.CreatedAt.Before(c.CreatedAt)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
