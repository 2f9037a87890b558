package mining

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pickaxe-app/pickaxe/internal/logging"
	"github.com/pickaxe-app/pickaxe/internal/settings"
	"github.com/pickaxe-app/pickaxe/internal/syncutil"
	"github.com/pickaxe-app/pickaxe/internal/token"
	"github.com/pickaxe-app/pickaxe/internal/traces"
)

// Service implements the mining session lifecycle on top of a Store, a
// settings provider and the ledger. All amount math happens here and in
// accrual.go; the store only moves bytes.
type Service struct {
	store    Store
	settings settings.Provider
	ledger   LedgerService
	emitter  EventEmitter

	// subjectLocks serializes session starts per subject, sessionLocks
	// serializes settlement attempts per session. The store-level gates
	// (unique active index, conditional Claim) remain the source of
	// truth; the locks just keep racing goroutines from burning work.
	subjectLocks *syncutil.ShardedMutex
	sessionLocks *syncutil.ShardedMutex

	now func() time.Time
}

// NewService creates a mining service.
func NewService(store Store, provider settings.Provider, ledger LedgerService) *Service {
	return &Service{
		store:        store,
		settings:     provider,
		ledger:       ledger,
		subjectLocks: syncutil.NewShardedMutex(),
		sessionLocks: syncutil.NewShardedMutex(),
		now:          time.Now,
	}
}

// WithEmitter attaches a lifecycle event emitter.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// Start begins a new mining session for the subject. If the subject's
// previous session has silently overrun its cap, it is expired and settled
// here before the new one is created, so an abandoned session never wedges
// a subject.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	ctx, span := traces.StartSpan(ctx, "mining.Start", traces.SubjectID(req.SubjectID))
	defer span.End()

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if cfg.MaintenanceMode {
		return nil, ErrMaintenance
	}

	unlock := s.subjectLocks.Lock(req.SubjectID)
	defer unlock()

	now := s.now()
	if existing, err := s.store.GetActiveBySubject(ctx, req.SubjectID); err == nil {
		if !existing.Overrun(now) {
			return nil, ErrActiveSessionExists
		}
		// stale overrun; settle it as expired and fall through
		if _, err := s.settle(ctx, existing.ID, StatusExpired, nil); err != nil && !errors.Is(err, ErrInvalidState) {
			traces.RecordError(span, err)
			return nil, fmt.Errorf("expiring stale session %s: %w", existing.ID, err)
		}
	} else if !errors.Is(err, ErrSessionNotFound) {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("checking active session: %w", err)
	}

	session := &Session{
		ID:            generateSessionID(),
		SubjectID:     req.SubjectID,
		Status:        StatusActive,
		DeviceInfo:    req.DeviceInfo,
		StartedAt:     now,
		MaxDurationMs: cfg.MaxSessionDuration().Milliseconds(),
		RatePerHour:   cfg.RatePerHour,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, session); err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, ErrActiveSessionExists) {
			return nil, err
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	sessionsStarted.Inc()
	activeSessions.Inc()
	logging.L(ctx).Info("mining session started",
		"session_id", session.ID,
		"subject_id", session.SubjectID,
		"rate_per_hour", session.RatePerHour)
	if s.emitter != nil {
		s.emitter.EmitSessionStarted(session.SubjectID, session.ID, session.StartedAt, session.RatePerHour)
	}

	return &StartResult{
		SessionID:     session.ID,
		StartedAt:     session.StartedAt,
		RatePerHour:   session.RatePerHour,
		MaxDurationMs: session.MaxDurationMs,
		ServerTime:    now,
	}, nil
}

// Current returns the live view of the subject's active session, with the
// accrued amount recomputed from the server clock. A session found past
// its cap is settled as expired in-line and reported as not found.
func (s *Service) Current(ctx context.Context, subjectID string) (*SessionView, error) {
	ctx, span := traces.StartSpan(ctx, "mining.Current", traces.SubjectID(subjectID))
	defer span.End()

	session, err := s.store.GetActiveBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if session.Overrun(now) {
		if _, err := s.settle(ctx, session.ID, StatusExpired, nil); err != nil && !errors.Is(err, ErrInvalidState) {
			logging.L(ctx).Warn("failed to expire overrun session",
				"session_id", session.ID, "error", err)
		}
		return nil, ErrSessionNotFound
	}
	remaining := session.Deadline().Sub(now).Milliseconds()
	return &SessionView{
		SessionID:     session.ID,
		SubjectID:     session.SubjectID,
		StartedAt:     session.StartedAt,
		RatePerHour:   session.RatePerHour,
		MaxDurationMs: session.MaxDurationMs,
		Accrued:       token.Format(accrueSession(session, now)),
		RemainingMs:   remaining,
		ServerTime:    now,
	}, nil
}

// Get returns a session by ID, terminal or not.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// Complete settles the session with the amount the server computes at the
// moment of the call. The client report, if present, is checked against
// that amount and recorded; it never changes what is paid.
func (s *Service) Complete(ctx context.Context, sessionID string, report *ClientReport) (*SettlementResult, error) {
	return s.settle(ctx, sessionID, StatusCompleted, report)
}

// Cancel settles the session with whatever has accrued so far. Cancelling
// is not a penalty; it just ends the session early with partial credit.
func (s *Service) Cancel(ctx context.Context, sessionID string) (*SettlementResult, error) {
	return s.settle(ctx, sessionID, StatusCancelled, nil)
}

// settle is the single settlement path for complete, cancel and expiry.
// The store's Claim is the idempotency gate: whichever caller flips the
// row from active wins, and the settled amount is fixed forever at that
// instant. Crediting happens after the flip; if it fails the session
// stays terminal-but-uncredited and the sweeper retries the credit, which
// the ledger deduplicates per session.
func (s *Service) settle(ctx context.Context, sessionID string, target Status, report *ClientReport) (*SettlementResult, error) {
	ctx, span := traces.StartSpan(ctx, "mining.settle", traces.SessionID(sessionID))
	defer span.End()
	log := logging.L(ctx)

	unlock := s.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, ErrInvalidState
	}

	now := s.now()
	final := accrueSession(session, now)
	val := session.Validation
	elapsedMs := now.Sub(session.StartedAt).Milliseconds()
	if elapsedMs > session.MaxDurationMs {
		elapsedMs = session.MaxDurationMs
	}
	checked := now
	val = checkReport(val, final, report, elapsedMs)
	if report != nil {
		val.LastCheckedAt = &checked
	}
	// per-session cap is read at settlement, not snapshotted, so a
	// cap tightened mid-session still bounds the payout
	if cfg, err := s.settings.Get(ctx); err == nil {
		var clamped bool
		if final, clamped = clampToCap(final, cfg.PerSessionCap); clamped {
			val.CapClamped = true
			val.FlaggedReasons = append(val.FlaggedReasons, "amount clamped to per-session cap "+cfg.PerSessionCap)
		}
	} else {
		log.Warn("settings unavailable at settlement, skipping cap check",
			"session_id", sessionID, "error", err)
	}
	finalAmount := token.Format(final)

	if err := s.store.Claim(ctx, sessionID, target, now, finalAmount, val); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		traces.RecordError(span, err)
		return nil, fmt.Errorf("claiming session: %w", err)
	}

	activeSessions.Dec()
	sessionsSettled.WithLabelValues(string(target)).Inc()
	if val.Flagged && !session.Validation.Flagged {
		sessionsFlagged.Inc()
	}

	session.Status = target
	session.CompletedAt = &now
	session.FinalAmount = finalAmount
	session.Validation = val
	session.UpdatedAt = now

	result := &SettlementResult{Session: session}
	if final.Sign() > 0 {
		snap, txID, err := s.ledger.CreditMining(ctx, session.SubjectID, finalAmount, session.ID)
		if err != nil {
			creditFailures.Inc()
			traces.RecordError(span, err)
			log.Error("mining credit failed, session left uncredited for sweeper",
				"session_id", sessionID, "amount", finalAmount, "error", err)
			return nil, fmt.Errorf("crediting session %s: %w", sessionID, err)
		}
		creditedAt := s.now()
		if err := s.store.MarkCredited(ctx, sessionID, txID, creditedAt); err != nil {
			// credit landed; the ledger dedupes per session if the
			// sweeper retries before this write is repaired
			log.Warn("failed to mark session credited", "session_id", sessionID, "error", err)
		}
		session.CreditedAt = &creditedAt
		session.LedgerTxID = txID
		result.Balance = snap
		result.LedgerTxID = txID
		amountCredited.Add(microToFloat(final))
	} else {
		// nothing was credited, but the caller still gets a snapshot
		snap, err := s.ledger.Balance(ctx, session.SubjectID)
		if err != nil {
			log.Warn("balance read after zero settlement failed",
				"session_id", sessionID, "error", err)
			zero := token.Zero()
			snap = BalanceSnapshot{Sendable: zero, NonSendable: zero, Pending: zero, Total: zero}
		}
		result.Balance = snap
	}

	log.Info("mining session settled",
		"session_id", sessionID,
		"subject_id", session.SubjectID,
		"status", string(target),
		"final_amount", finalAmount,
		"flagged", val.Flagged)
	if s.emitter != nil {
		s.emitter.EmitSessionSettled(session.SubjectID, session.ID, target, finalAmount)
	}
	return result, nil
}

// Sweep expires overrun sessions and retries credits for settled sessions
// that never got one. Each session fails independently; one bad row does
// not stop the pass.
func (s *Service) Sweep(ctx context.Context, batchSize int) (expired, credited int) {
	now := s.now()

	overrun, err := s.store.ListExpired(ctx, now, batchSize)
	if err != nil {
		logging.L(ctx).Error("sweep: listing overrun sessions failed", "error", err)
	}
	for _, session := range overrun {
		if _, err := s.settle(ctx, session.ID, StatusExpired, nil); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue // settled by its owner between list and claim
			}
			logging.L(ctx).Warn("sweep: expiring session failed",
				"session_id", session.ID, "error", err)
			continue
		}
		expired++
	}

	uncredited, err := s.store.ListUncredited(ctx, batchSize)
	if err != nil {
		logging.L(ctx).Error("sweep: listing uncredited sessions failed", "error", err)
	}
	for _, session := range uncredited {
		if err := s.retryCredit(ctx, session); err != nil {
			logging.L(ctx).Warn("sweep: credit retry failed",
				"session_id", session.ID, "error", err)
			continue
		}
		credited++
	}
	return expired, credited
}

// retryCredit re-attempts the ledger credit for a terminal session whose
// credit never landed. Safe to call more than once: the ledger returns the
// existing transaction for a session it already credited.
func (s *Service) retryCredit(ctx context.Context, session *Session) error {
	unlock := s.sessionLocks.Lock(session.ID)
	defer unlock()

	amount, ok := token.Parse(session.FinalAmount)
	if !ok || amount.Sign() <= 0 {
		return nil
	}
	_, txID, err := s.ledger.CreditMining(ctx, session.SubjectID, session.FinalAmount, session.ID)
	if err != nil {
		creditFailures.Inc()
		return err
	}
	creditedAt := s.now()
	if err := s.store.MarkCredited(ctx, session.ID, txID, creditedAt); err != nil {
		return err
	}
	creditsRecovered.Inc()
	logging.L(ctx).Info("sweep: recovered uncredited session",
		"session_id", session.ID, "tx_id", txID, "amount", session.FinalAmount)
	return nil
}
