package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestCreditMining(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	bal, tx, err := svc.CreditMining(ctx, "miner-1", "0.125000", "ms_abc")
	if err != nil {
		t.Fatalf("CreditMining: %v", err)
	}
	if bal.NonSendable != "0.125000" {
		t.Errorf("nonSendable = %s, want 0.125000", bal.NonSendable)
	}
	if bal.Sendable != "0.000000" || bal.Pending != "0.000000" {
		t.Errorf("other buckets touched: sendable=%s pending=%s", bal.Sendable, bal.Pending)
	}
	if tx.Kind != KindMining || tx.SessionID != "ms_abc" || tx.Amount != "0.125000" {
		t.Errorf("transaction = %+v", tx)
	}

	bal, _, err = svc.CreditMining(ctx, "miner-1", "0.5", "ms_def")
	if err != nil {
		t.Fatalf("second CreditMining: %v", err)
	}
	if bal.NonSendable != "0.625000" {
		t.Errorf("accumulated nonSendable = %s, want 0.625000", bal.NonSendable)
	}
	if bal.Total() != "0.625000" {
		t.Errorf("total = %s", bal.Total())
	}
}

func TestCreditMining_DuplicateSessionReturnsOriginal(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, first, err := svc.CreditMining(ctx, "miner-1", "0.125000", "ms_abc")
	if err != nil {
		t.Fatalf("CreditMining: %v", err)
	}
	bal, second, err := svc.CreditMining(ctx, "miner-1", "0.125000", "ms_abc")
	if err != nil {
		t.Fatalf("duplicate CreditMining: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned new tx %s, want original %s", second.ID, first.ID)
	}
	if bal.NonSendable != "0.125000" {
		t.Errorf("duplicate credit moved the balance: %s", bal.NonSendable)
	}

	got, err := svc.TransactionBySession(ctx, "ms_abc")
	if err != nil {
		t.Fatalf("TransactionBySession: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("session tx = %s, want %s", got.ID, first.ID)
	}
}

func TestCreditMining_InvalidAmount(t *testing.T) {
	svc := NewService(NewMemoryStore())
	for _, amount := range []string{"-1", "1.2.3", "abc"} {
		if _, _, err := svc.CreditMining(context.Background(), "miner-1", amount, "ms_x"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("CreditMining(%q) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestTransfer(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	seedSendable(t, store, "alice", "2.000000")

	tx, err := svc.Transfer(ctx, "alice", "bob", "0.750000")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if tx.Kind != KindTransfer || tx.FromSubjectID != "alice" || tx.ToSubjectID != "bob" {
		t.Errorf("transaction = %+v", tx)
	}

	alice, _ := svc.Balance(ctx, "alice")
	bob, _ := svc.Balance(ctx, "bob")
	if alice.Sendable != "1.250000" {
		t.Errorf("alice sendable = %s", alice.Sendable)
	}
	if bob.Sendable != "0.750000" {
		t.Errorf("bob sendable = %s", bob.Sendable)
	}
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	seedSendable(t, store, "alice", "0.500000")

	_, err := svc.Transfer(ctx, "alice", "bob", "1.000000")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Transfer = %v, want ErrInsufficientBalance", err)
	}

	alice, _ := svc.Balance(ctx, "alice")
	if alice.Sendable != "0.500000" {
		t.Errorf("failed transfer moved funds: %s", alice.Sendable)
	}
	txs, _, _, _ := svc.Transactions(ctx, "alice", "", 10)
	if len(txs) != 0 {
		t.Errorf("failed transfer recorded %d transactions", len(txs))
	}
}

func TestTransfer_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, err := svc.Transfer(ctx, "alice", "alice", "1.0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("self transfer = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Transfer(ctx, "alice", "bob", "0"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero transfer = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Transfer(ctx, "alice", "bob", "-1"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative transfer = %v, want ErrInvalidAmount", err)
	}
}

func TestExchange(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	if _, _, err := svc.CreditMining(ctx, "miner-1", "2.000000", "ms_a"); err != nil {
		t.Fatalf("CreditMining: %v", err)
	}

	bal, tx, err := svc.Exchange(ctx, "miner-1", "1.500000")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if bal.NonSendable != "0.500000" || bal.Sendable != "1.500000" {
		t.Errorf("buckets = nonSendable %s sendable %s", bal.NonSendable, bal.Sendable)
	}
	if bal.Total() != "2.000000" {
		t.Errorf("exchange changed total: %s", bal.Total())
	}
	if tx.Kind != KindExchange {
		t.Errorf("tx kind = %s", tx.Kind)
	}

	_, _, err = svc.Exchange(ctx, "miner-1", "1.000000")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("over-exchange = %v, want ErrInsufficientBalance", err)
	}
}

func TestMutate_ConcurrentCreditsAllLand(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessionID := fmt.Sprintf("ms_%03d", i)
			if _, _, err := svc.CreditMining(ctx, "miner-1", "0.100000", sessionID); err != nil {
				t.Errorf("CreditMining %s: %v", sessionID, err)
			}
		}()
	}
	wg.Wait()

	bal, err := svc.Balance(ctx, "miner-1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.NonSendable != "2.000000" {
		t.Errorf("after %d concurrent 0.1 credits, nonSendable = %s, want 2.000000", n, bal.NonSendable)
	}
	txs, _, _, _ := svc.Transactions(ctx, "miner-1", "", 100)
	if len(txs) != n {
		t.Errorf("recorded %d transactions, want %d", len(txs), n)
	}
}

func TestPutBalance_VersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	bal, _ := store.GetBalance(ctx, "alice")
	bal.Sendable = "1.000000"
	bal.Version = 1
	if err := store.PutBalance(ctx, bal, 0); err != nil {
		t.Fatalf("initial PutBalance: %v", err)
	}

	// stale writer with the old version loses
	stale := *bal
	stale.Sendable = "9.000000"
	stale.Version = 1
	if err := store.PutBalance(ctx, &stale, 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale insert = %v, want ErrVersionConflict", err)
	}
	stale.Version = 3
	if err := store.PutBalance(ctx, &stale, 2); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("wrong expected version = %v, want ErrVersionConflict", err)
	}

	current, _ := store.GetBalance(ctx, "alice")
	if current.Sendable != "1.000000" {
		t.Errorf("conflicting write landed: %s", current.Sendable)
	}
}

func TestListTransactions_NewestFirst(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := svc.CreditMining(ctx, "miner-1", "0.1", fmt.Sprintf("ms_%d", i)); err != nil {
			t.Fatalf("CreditMining: %v", err)
		}
	}

	txs, next, more, err := svc.Transactions(ctx, "miner-1", "", 3)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("limit ignored: got %d", len(txs))
	}
	for i := 1; i < len(txs); i++ {
		if txs[i].CreatedAt.After(txs[i-1].CreatedAt) {
			t.Errorf("transactions not newest-first at index %d", i)
		}
	}
	if !more || next == "" {
		t.Fatalf("expected another page, hasMore=%v cursor=%q", more, next)
	}

	rest, next2, more2, err := svc.Transactions(ctx, "miner-1", next, 3)
	if err != nil {
		t.Fatalf("Transactions page 2: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("second page = %d transactions, want 2", len(rest))
	}
	if more2 || next2 != "" {
		t.Errorf("unexpected third page, hasMore=%v cursor=%q", more2, next2)
	}

	// Pages must not overlap
	seen := map[string]bool{}
	for _, tx := range append(txs, rest...) {
		if seen[tx.ID] {
			t.Errorf("transaction %s appeared on both pages", tx.ID)
		}
		seen[tx.ID] = true
	}
}

func TestTransactions_InvalidCursor(t *testing.T) {
	svc := NewService(NewMemoryStore())

	_, _, _, err := svc.Transactions(context.Background(), "miner-1", "not-base64!", 10)
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("Transactions = %v, want ErrInvalidCursor", err)
	}
}

func seedSendable(t *testing.T, store *MemoryStore, subjectID, amount string) {
	t.Helper()
	bal, _ := store.GetBalance(context.Background(), subjectID)
	bal.Sendable = amount
	bal.Version = 1
	if err := store.PutBalance(context.Background(), bal, 0); err != nil {
		t.Fatalf("seeding balance: %v", err)
	}
}
