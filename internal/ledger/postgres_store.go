package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/pagination"
	"github.com/pickaxe-app/pickaxe/internal/token"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. The goose migrations are the canonical
// schema; this mirrors them for bootstrap convenience.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS balances (
			subject_id   VARCHAR(64) PRIMARY KEY,
			sendable     NUMERIC(20,6) NOT NULL DEFAULT 0,
			non_sendable NUMERIC(20,6) NOT NULL DEFAULT 0,
			pending      NUMERIC(20,6) NOT NULL DEFAULT 0,
			version      BIGINT NOT NULL DEFAULT 0,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_sendable_nonneg     CHECK (sendable >= 0),
			CONSTRAINT chk_non_sendable_nonneg CHECK (non_sendable >= 0),
			CONSTRAINT chk_pending_nonneg      CHECK (pending >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_transactions (
			id              VARCHAR(36) PRIMARY KEY,
			to_subject_id   VARCHAR(64) NOT NULL,
			from_subject_id VARCHAR(64),
			amount          NUMERIC(20,6) NOT NULL,
			kind            VARCHAR(20) NOT NULL,
			status          VARCHAR(20) NOT NULL,
			session_id      VARCHAR(36),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_session
			ON ledger_transactions(session_id) WHERE session_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_tx_to_subject ON ledger_transactions(to_subject_id);
		CREATE INDEX IF NOT EXISTS idx_tx_created ON ledger_transactions(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, subjectID string) (*Balance, error) {
	bal := &Balance{SubjectID: subjectID}

	err := p.db.QueryRowContext(ctx, `
		SELECT sendable, non_sendable, pending, version, updated_at
		FROM balances WHERE subject_id = $1
	`, subjectID).Scan(&bal.Sendable, &bal.NonSendable, &bal.Pending, &bal.Version, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{
			SubjectID:   subjectID,
			Sendable:    token.Zero(),
			NonSendable: token.Zero(),
			Pending:     token.Zero(),
			Version:     0,
			UpdatedAt:   time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) PutBalance(ctx context.Context, bal *Balance, expectedVersion int64) error {
	if expectedVersion == 0 {
		// First write for this subject: the row must not exist yet.
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO balances (subject_id, sendable, non_sendable, pending, version, updated_at)
			VALUES ($1, $2::NUMERIC(20,6), $3::NUMERIC(20,6), $4::NUMERIC(20,6), $5, $6)`,
			bal.SubjectID, bal.Sendable, bal.NonSendable, bal.Pending, bal.Version, bal.UpdatedAt,
		)
		if err != nil && strings.Contains(err.Error(), "duplicate key") {
			return ErrVersionConflict
		}
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE balances SET
			sendable = $1::NUMERIC(20,6), non_sendable = $2::NUMERIC(20,6),
			pending = $3::NUMERIC(20,6), version = $4, updated_at = $5
		WHERE subject_id = $6 AND version = $7`,
		bal.Sendable, bal.NonSendable, bal.Pending, bal.Version, bal.UpdatedAt,
		bal.SubjectID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, to_subject_id, from_subject_id, amount, kind, status, session_id, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8)`,
		tx.ID, tx.ToSubjectID, nullString(tx.FromSubjectID), tx.Amount,
		string(tx.Kind), tx.Status, nullString(tx.SessionID), tx.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "idx_tx_session") {
		return ErrDuplicateTx
	}
	return err
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, to_subject_id, from_subject_id, amount, kind, status, session_id, created_at
		FROM ledger_transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetTransactionBySession(ctx context.Context, sessionID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, to_subject_id, from_subject_id, amount, kind, status, session_id, created_at
		FROM ledger_transactions WHERE session_id = $1`, sessionID)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTxNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, subjectID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT id, to_subject_id, from_subject_id, amount, kind, status, session_id, created_at
		FROM ledger_transactions
		WHERE (to_subject_id = $1 OR from_subject_id = $1)`
	args := []interface{}{subjectID}

	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		fromSubject sql.NullString
		sessionID   sql.NullString
		kind        string
	)

	err := sc.Scan(
		&tx.ID, &tx.ToSubjectID, &fromSubject, &tx.Amount,
		&kind, &tx.Status, &sessionID, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Kind = Kind(kind)
	tx.FromSubjectID = fromSubject.String
	tx.SessionID = sessionID.String
	return tx, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
