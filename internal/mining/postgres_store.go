package mining

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store.
//
// Concurrency guarantees live in the schema and the statements, not in Go:
//   - a partial unique index on (subject_id) WHERE status='active' makes
//     concurrent starts resolve to exactly one winner
//   - Claim updates WHERE status='active', so concurrent settlements race
//     to a single RowsAffected=1 winner
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sessions table. The goose migrations are the
// canonical schema; this mirrors them for bootstrap convenience.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mining_sessions (
			id                    TEXT PRIMARY KEY,
			subject_id            TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'active'
			                      CHECK (status IN ('active', 'completed', 'cancelled', 'expired')),
			device_info           TEXT,
			started_at            TIMESTAMPTZ NOT NULL,
			max_duration_ms       BIGINT NOT NULL CHECK (max_duration_ms > 0),
			rate_per_hour         NUMERIC(20,6) NOT NULL CHECK (rate_per_hour >= 0),
			completed_at          TIMESTAMPTZ,
			final_amount          NUMERIC(20,6) CHECK (final_amount >= 0),
			credited_at           TIMESTAMPTZ,
			ledger_tx_id          TEXT,
			validation_checked_at TIMESTAMPTZ,
			flagged               BOOLEAN NOT NULL DEFAULT FALSE,
			flagged_reasons       TEXT[] NOT NULL DEFAULT '{}',
			cap_clamped           BOOLEAN NOT NULL DEFAULT FALSE,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
			ON mining_sessions (subject_id) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_sessions_subject
			ON mining_sessions (subject_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_sessions_active_started
			ON mining_sessions (started_at) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_sessions_uncredited
			ON mining_sessions (completed_at)
			WHERE status IN ('completed', 'cancelled', 'expired') AND credited_at IS NULL;
	`)
	return err
}

const sessionColumns = `id, subject_id, status, device_info, started_at, max_duration_ms,
	rate_per_hour, completed_at, final_amount, credited_at, ledger_tx_id,
	validation_checked_at, flagged, flagged_reasons, cap_clamped, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mining_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		s.ID, s.SubjectID, s.Status, nullString(s.DeviceInfo), s.StartedAt, s.MaxDurationMs,
		s.RatePerHour, s.CompletedAt, nullString(s.FinalAmount), s.CreditedAt, nullString(s.LedgerTxID),
		s.Validation.LastCheckedAt, s.Validation.Flagged, pq.Array(s.Validation.FlaggedReasons),
		s.Validation.CapClamped, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_sessions_one_active") {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM mining_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetActiveBySubject(ctx context.Context, subjectID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM mining_sessions
		WHERE subject_id = $1 AND status = 'active'`, subjectID)
	return scanSession(row)
}

func (p *PostgresStore) Claim(ctx context.Context, id string, to Status, completedAt time.Time, finalAmount string, val Validation) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE mining_sessions
		SET status = $2, completed_at = $3, final_amount = $4,
		    validation_checked_at = $5, flagged = $6, flagged_reasons = $7,
		    cap_clamped = $8, updated_at = $3
		WHERE id = $1 AND status = 'active'`,
		id, to, completedAt, finalAmount,
		val.LastCheckedAt, val.Flagged, pq.Array(val.FlaggedReasons), val.CapClamped,
	)
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claiming session: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM mining_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("claiming session: %w", err)
		}
		if !exists {
			return ErrSessionNotFound
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) MarkCredited(ctx context.Context, id, ledgerTxID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE mining_sessions
		SET credited_at = $2, ledger_tx_id = $3, updated_at = $2
		WHERE id = $1`,
		id, at, ledgerTxID,
	)
	if err != nil {
		return fmt.Errorf("marking session credited: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM mining_sessions
		WHERE status = 'active'
		  AND started_at + (max_duration_ms * INTERVAL '1 millisecond') <= $1
		ORDER BY started_at
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListUncredited returns terminal sessions whose ledger credit never landed.
// Cancelled sessions pay partial accrual, so they are recoverable too; the
// status list must match every terminal status Claim can write.
func (p *PostgresStore) ListUncredited(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM mining_sessions
		WHERE status IN ('completed', 'cancelled', 'expired')
		  AND credited_at IS NULL
		  AND final_amount > 0
		ORDER BY completed_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing uncredited sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s                                   Session
		deviceInfo, finalAmount, ledgerTxID sql.NullString
		reasons                             pq.StringArray
	)
	err := row.Scan(
		&s.ID, &s.SubjectID, &s.Status, &deviceInfo, &s.StartedAt, &s.MaxDurationMs,
		&s.RatePerHour, &s.CompletedAt, &finalAmount, &s.CreditedAt, &ledgerTxID,
		&s.Validation.LastCheckedAt, &s.Validation.Flagged, &reasons,
		&s.Validation.CapClamped, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	s.DeviceInfo = deviceInfo.String
	s.FinalAmount = finalAmount.String
	s.LedgerTxID = ledgerTxID.String
	s.Validation.FlaggedReasons = reasons
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return constraint == "" || strings.Contains(pqErr.Constraint, constraint) ||
			strings.Contains(pqErr.Message, constraint)
	}
	return false
}
