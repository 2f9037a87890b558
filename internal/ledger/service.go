package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/pickaxe-app/pickaxe/internal/pagination"
	"github.com/pickaxe-app/pickaxe/internal/retry"
	"github.com/pickaxe-app/pickaxe/internal/token"
	"github.com/pickaxe-app/pickaxe/internal/traces"
)

const (
	casAttempts  = 5
	casBaseDelay = 10 * time.Millisecond
)

// Service implements balance mutations. Every bucket change is a read,
// mutate, conditional-write loop; a lost race re-reads the current row and
// reapplies the delta, so concurrent credits never overwrite each other.
type Service struct {
	store Store
}

// NewService creates a ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Balance returns a subject's current balance snapshot.
func (s *Service) Balance(ctx context.Context, subjectID string) (*Balance, error) {
	return s.store.GetBalance(ctx, subjectID)
}

// Transactions returns a page of a subject's transaction history, newest
// first. An empty cursor starts from the top; the returned cursor resumes
// the next page and is empty on the last one.
func (s *Service) Transactions(ctx context.Context, subjectID, cursor string, limit int) ([]*Transaction, string, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrInvalidCursor
	}

	// Fetch one extra row to learn whether another page exists.
	txs, err := s.store.ListTransactions(ctx, subjectID, before, limit+1)
	if err != nil {
		return nil, "", false, err
	}

	page, next, more := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	return page, next, more, nil
}

// TransactionBySession returns the mining transaction settled for a session,
// or ErrTxNotFound.
func (s *Service) TransactionBySession(ctx context.Context, sessionID string) (*Transaction, error) {
	return s.store.GetTransactionBySession(ctx, sessionID)
}

// CreditMining credits amount into the subject's nonSendable bucket and
// writes the session's mining transaction. Exactly-once semantics come from
// the caller: the mining service only invokes this after winning the
// session's active→terminal state flip.
func (s *Service) CreditMining(ctx context.Context, subjectID, amount, sessionID string) (_ *Balance, _ *Transaction, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.CreditMining",
		traces.SubjectID(subjectID),
		traces.SessionID(sessionID),
		traces.Amount(amount),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	amountBig, ok := token.Parse(amount)
	if !ok || amountBig.Sign() < 0 {
		return nil, nil, ErrInvalidAmount
	}

	// A session credits at most once. Retries (sweeper, crashed caller)
	// must see the original transaction with no balance movement.
	if existing, err := s.store.GetTransactionBySession(ctx, sessionID); err == nil {
		bal, err := s.store.GetBalance(ctx, subjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load balance: %w", err)
		}
		return bal, existing, nil
	} else if !errors.Is(err, ErrTxNotFound) {
		return nil, nil, fmt.Errorf("failed to check session transaction: %w", err)
	}

	bal, err := s.mutate(ctx, subjectID, func(b *Balance) error {
		cur, _ := token.Parse(b.NonSendable)
		b.NonSendable = token.Format(new(big.Int).Add(cur, amountBig))
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to credit mining reward: %w", err)
	}

	tx := &Transaction{
		ID:          generateTxID(),
		ToSubjectID: subjectID,
		Amount:      token.Format(amountBig),
		Kind:        KindMining,
		Status:      StatusCompleted,
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateTx) {
			// Lost a race with another credit for the same session; back
			// out our balance movement and surface the winner's record.
			_, _ = s.mutate(ctx, subjectID, func(b *Balance) error {
				cur, _ := token.Parse(b.NonSendable)
				b.NonSendable = token.Format(new(big.Int).Sub(cur, amountBig))
				return nil
			})
			existing, getErr := s.store.GetTransactionBySession(ctx, sessionID)
			if getErr == nil {
				cur, balErr := s.store.GetBalance(ctx, subjectID)
				if balErr != nil {
					cur = bal
				}
				return cur, existing, nil
			}
		}
		return nil, nil, fmt.Errorf("failed to record mining transaction: %w", err)
	}

	observeOp("credit_mining")()
	return bal, tx, nil
}

// Transfer moves amount from one subject's sendable bucket to another's.
// Both rows follow the same conditional-update discipline as mining credits.
func (s *Service) Transfer(ctx context.Context, fromSubjectID, toSubjectID, amount string) (_ *Transaction, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Transfer",
		traces.SubjectID(fromSubjectID),
		traces.Amount(amount),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if fromSubjectID == toSubjectID {
		return nil, fmt.Errorf("%w: cannot transfer to self", ErrInvalidAmount)
	}

	amountBig, ok := token.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	// Debit sender first so a failed credit never leaves tokens minted
	// out of thin air; a failed credit is refunded below.
	if _, err := s.mutate(ctx, fromSubjectID, func(b *Balance) error {
		cur, _ := token.Parse(b.Sendable)
		if cur.Cmp(amountBig) < 0 {
			return retry.Permanent(ErrInsufficientBalance)
		}
		b.Sendable = token.Format(new(big.Int).Sub(cur, amountBig))
		return nil
	}); err != nil {
		return nil, err
	}

	if _, err := s.mutate(ctx, toSubjectID, func(b *Balance) error {
		cur, _ := token.Parse(b.Sendable)
		b.Sendable = token.Format(new(big.Int).Add(cur, amountBig))
		return nil
	}); err != nil {
		// Refund the sender; best effort, logged by mutate on failure.
		_, _ = s.mutate(ctx, fromSubjectID, func(b *Balance) error {
			cur, _ := token.Parse(b.Sendable)
			b.Sendable = token.Format(new(big.Int).Add(cur, amountBig))
			return nil
		})
		return nil, fmt.Errorf("failed to credit recipient: %w", err)
	}

	tx := &Transaction{
		ID:            generateTxID(),
		ToSubjectID:   toSubjectID,
		FromSubjectID: fromSubjectID,
		Amount:        token.Format(amountBig),
		Kind:          KindTransfer,
		Status:        StatusCompleted,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}

	observeOp("transfer")()
	return tx, nil
}

// Exchange converts amount of a subject's nonSendable earnings into
// sendable tokens.
func (s *Service) Exchange(ctx context.Context, subjectID, amount string) (_ *Balance, _ *Transaction, retErr error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Exchange",
		traces.SubjectID(subjectID),
		traces.Amount(amount),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	amountBig, ok := token.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	bal, err := s.mutate(ctx, subjectID, func(b *Balance) error {
		nonSendable, _ := token.Parse(b.NonSendable)
		if nonSendable.Cmp(amountBig) < 0 {
			return retry.Permanent(ErrInsufficientBalance)
		}
		sendable, _ := token.Parse(b.Sendable)
		b.NonSendable = token.Format(new(big.Int).Sub(nonSendable, amountBig))
		b.Sendable = token.Format(new(big.Int).Add(sendable, amountBig))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	tx := &Transaction{
		ID:          generateTxID(),
		ToSubjectID: subjectID,
		Amount:      token.Format(amountBig),
		Kind:        KindExchange,
		Status:      StatusCompleted,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, nil, fmt.Errorf("failed to record exchange: %w", err)
	}

	observeOp("exchange")()
	return bal, tx, nil
}

// mutate runs the conditional-update loop: read the row, apply fn, write
// conditioned on the version read. ErrVersionConflict retries with the
// re-read row; every other failure aborts.
func (s *Service) mutate(ctx context.Context, subjectID string, fn func(*Balance) error) (*Balance, error) {
	var result *Balance

	err := retry.Do(ctx, casAttempts, casBaseDelay, func() error {
		bal, err := s.store.GetBalance(ctx, subjectID)
		if err != nil {
			return retry.Permanent(err)
		}

		expected := bal.Version
		if err := fn(bal); err != nil {
			return err
		}

		bal.Version = expected + 1
		bal.UpdatedAt = time.Now()

		if err := s.store.PutBalance(ctx, bal, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				balanceConflicts.Inc()
				return err // retryable
			}
			return retry.Permanent(err)
		}

		result = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
