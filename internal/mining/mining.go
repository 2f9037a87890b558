// Package mining owns the reward-session lifecycle.
//
// Flow:
//  1. Client starts a session → settings snapshotted onto the row
//  2. Client polls → server recomputes accrual from its own clock
//  3. Complete/cancel/expiry → settle: flip active→terminal, credit ledger
//  4. Sweeper reclaims sessions the client abandoned past their cap
//
// The server never trusts a stored running total or a client clock: accrual
// is a pure function of the session row and the server's "now", so every
// read and every settlement recomputes it from scratch.
package mining

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("mining: session not found")
	ErrActiveSessionExists = errors.New("mining: subject already has an active session")
	ErrInvalidState        = errors.New("mining: session is not active")
	ErrMaintenance         = errors.New("mining: service is in maintenance mode")
)

// Status represents the state of a mining session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Validation is the anti-cheat sub-record on a session. It only ever grows:
// reasons are appended, flags are never cleared.
type Validation struct {
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
	Flagged        bool       `json:"flagged"`
	FlaggedReasons []string   `json:"flaggedReasons,omitempty"`
	CapClamped     bool       `json:"capClamped"`
}

// Session is one mining run. Rate and max duration are snapshotted from the
// settings provider at start and immutable afterward, so an admin changing
// the rate mid-session cannot alter what this session pays. Rows are never
// deleted; terminal sessions remain as the audit trail.
type Session struct {
	ID            string     `json:"id"`
	SubjectID     string     `json:"subjectId"`
	Status        Status     `json:"status"`
	DeviceInfo    string     `json:"deviceInfo,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	MaxDurationMs int64      `json:"maxDurationMs"`
	RatePerHour   string     `json:"ratePerHour"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FinalAmount   string     `json:"finalAmount,omitempty"`
	CreditedAt    *time.Time `json:"creditedAt,omitempty"`
	LedgerTxID    string     `json:"ledgerTxId,omitempty"`
	Validation    Validation `json:"validation"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// MaxDuration returns the snapshotted session cap as a duration.
func (s *Session) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationMs) * time.Millisecond
}

// Deadline returns the instant the session hits its cap.
func (s *Session) Deadline() time.Time {
	return s.StartedAt.Add(s.MaxDuration())
}

// Overrun reports whether the session has outlived its cap at asOf.
func (s *Session) Overrun(asOf time.Time) bool {
	return !asOf.Before(s.Deadline())
}

// Store persists session data.
//
// Claim is the settlement idempotency gate: it flips a session from active
// to a terminal status and writes the terminal fields in one conditional
// update. When two settlement attempts race, exactly one Claim succeeds;
// the loser gets ErrInvalidState and must do nothing further. Create
// enforces the one-active-session-per-subject invariant at the store layer.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetActiveBySubject(ctx context.Context, subjectID string) (*Session, error)

	Claim(ctx context.Context, id string, to Status, completedAt time.Time, finalAmount string, val Validation) error
	MarkCredited(ctx context.Context, id, ledgerTxID string, at time.Time) error

	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*Session, error)
	ListUncredited(ctx context.Context, limit int) ([]*Session, error)
}

// BalanceSnapshot is the post-settlement balance returned to the caller.
type BalanceSnapshot struct {
	Sendable    string `json:"sendable"`
	NonSendable string `json:"nonSendable"`
	Pending     string `json:"pending"`
	Total       string `json:"total"`
}

// LedgerService abstracts the crediting path so mining doesn't import ledger.
// CreditMining must be idempotent per session: re-crediting an already
// settled session returns the original transaction. Balance is the plain
// read used when a settlement pays nothing and there is no credit to
// return a snapshot from.
type LedgerService interface {
	CreditMining(ctx context.Context, subjectID, amount, sessionID string) (BalanceSnapshot, string, error)
	Balance(ctx context.Context, subjectID string) (BalanceSnapshot, error)
}

// EventEmitter broadcasts lifecycle events to live subscribers.
type EventEmitter interface {
	EmitSessionStarted(subjectID, sessionID string, startedAt time.Time, ratePerHour string)
	EmitSessionSettled(subjectID, sessionID string, status Status, finalAmount string)
}

// StartRequest contains the parameters for starting a session.
type StartRequest struct {
	SubjectID  string `json:"subjectId" binding:"required"`
	DeviceInfo string `json:"deviceInfo"`
}

// StartResult is the handle returned to the client. ServerTime lets the
// client reconcile its clock against the authoritative one.
type StartResult struct {
	SessionID     string    `json:"sessionId"`
	StartedAt     time.Time `json:"startedAt"`
	RatePerHour   string    `json:"ratePerHour"`
	MaxDurationMs int64     `json:"maxDurationMs"`
	ServerTime    time.Time `json:"serverTime"`
}

// SessionView is the recomputed live view of an active session.
type SessionView struct {
	SessionID     string    `json:"sessionId"`
	SubjectID     string    `json:"subjectId"`
	StartedAt     time.Time `json:"startedAt"`
	RatePerHour   string    `json:"ratePerHour"`
	MaxDurationMs int64     `json:"maxDurationMs"`
	Accrued       string    `json:"accrued"`
	RemainingMs   int64     `json:"remainingMs"`
	ServerTime    time.Time `json:"serverTime"`
}

// ClientReport is the client's view of its own accrual, submitted with
// complete. It never influences the settled amount; it only feeds the
// anti-cheat check.
type ClientReport struct {
	ReportedAmount    string `json:"reportedAmount"`
	ReportedElapsedMs int64  `json:"reportedElapsedMs"`
}

// CompleteRequest is the body of a complete call.
type CompleteRequest struct {
	ClientReport *ClientReport `json:"clientReport,omitempty"`
}

// SettlementResult is returned from complete, cancel and expiry.
type SettlementResult struct {
	Session    *Session        `json:"session"`
	Balance    BalanceSnapshot `json:"balance"`
	LedgerTxID string          `json:"ledgerTxId"`
}

func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("ms_%x", b)
}
