// Package ledger tracks subject balances and the immutable transaction record.
//
// A balance has three buckets:
//   - sendable:    earned or received tokens that can be transferred out
//   - nonSendable: mining rewards; spendable in-app, never transferable
//   - pending:     amounts in transit (exchanges awaiting confirmation)
//
// Total is always derived from the buckets, never stored. The balance row
// is the most contended resource in the system (mining settlements,
// transfers and exchanges all touch it), so every write goes through a
// versioned compare-and-swap and callers retry on conflict.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/pagination"
	"github.com/pickaxe-app/pickaxe/internal/token"
)

var (
	ErrSubjectNotFound     = errors.New("ledger: subject not found")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrVersionConflict     = errors.New("ledger: balance version conflict")
	ErrTxNotFound          = errors.New("ledger: transaction not found")
	ErrDuplicateTx         = errors.New("ledger: transaction already recorded")
	ErrInvalidCursor       = errors.New("ledger: invalid pagination cursor")
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindMining   Kind = "mining"
	KindTransfer Kind = "transfer"
	KindExchange Kind = "exchange"
)

// StatusCompleted is the only terminal transaction status; transactions are
// written once, already settled.
const StatusCompleted = "completed"

// Balance is a subject's bucketed balance. Version increments on every
// write and gates conditional updates.
type Balance struct {
	SubjectID   string    `json:"subjectId"`
	Sendable    string    `json:"sendable"`
	NonSendable string    `json:"nonSendable"`
	Pending     string    `json:"pending"`
	Version     int64     `json:"-"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Total returns the derived sum of the three buckets.
func (b *Balance) Total() string {
	sendable, _ := token.Parse(b.Sendable)
	nonSendable, _ := token.Parse(b.NonSendable)
	pending, _ := token.Parse(b.Pending)

	total := new(big.Int).Add(sendable, nonSendable)
	total.Add(total, pending)
	return token.Format(total)
}

// Transaction is an immutable ledger record. Mining credits carry the
// session they settled; exactly one exists per settled session.
type Transaction struct {
	ID            string    `json:"id"`
	ToSubjectID   string    `json:"toSubjectId"`
	FromSubjectID string    `json:"fromSubjectId,omitempty"`
	Amount        string    `json:"amount"`
	Kind          Kind      `json:"kind"`
	Status        string    `json:"status"`
	SessionID     string    `json:"sessionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists balances and transactions. PutBalance is a conditional
// write: it succeeds only when the stored version equals expectedVersion
// (0 means "row must not exist yet") and returns ErrVersionConflict
// otherwise. No multi-row transactions are assumed.
type Store interface {
	GetBalance(ctx context.Context, subjectID string) (*Balance, error)
	PutBalance(ctx context.Context, bal *Balance, expectedVersion int64) error

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionBySession(ctx context.Context, sessionID string) (*Transaction, error)
	// ListTransactions returns transactions involving a subject, newest
	// first, ordered by (created_at, id). A non-nil cursor resumes after
	// that position.
	ListTransactions(ctx context.Context, subjectID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
}

func generateTxID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("tx_%x", b)
}
