package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/rptdb/rptdb/internal/pager"
)

func TestManager_CompatibleModesGrantConcurrently(t *testing.T) {
	m := New(time.Second)
	ctx := context.Background()
	v := Var("v")

	if err := m.Lock(ctx, pager.TxID(1), v, IS); err != nil {
		t.Fatalf("txn 1 IS: %v", err)
	}
	if err := m.Lock(ctx, pager.TxID(2), v, S); err != nil {
		t.Fatalf("txn 2 S: %v", err)
	}
	if m.HeldMode(pager.TxID(1), v) != IS {
		t.Fatalf("expected txn 1 to hold IS")
	}
	if m.HeldMode(pager.TxID(2), v) != S {
		t.Fatalf("expected txn 2 to hold S")
	}
}

func TestManager_ParentModeAcquiredImplicitly(t *testing.T) {
	m := New(time.Second)
	ctx := context.Background()

	if err := m.Lock(ctx, pager.TxID(1), Var("v"), X); err != nil {
		t.Fatalf("lock X on var: %v", err)
	}
	if got := m.HeldMode(pager.TxID(1), DBLock); got != IX {
		t.Fatalf("expected implicit DB IX lock, got %s", got)
	}
}

func TestManager_UpgradeSharedToIntentExclusiveMergesToSIX(t *testing.T) {
	m := New(time.Second)
	ctx := context.Background()
	v := Var("v")

	if err := m.Lock(ctx, pager.TxID(1), v, S); err != nil {
		t.Fatalf("S: %v", err)
	}
	if err := m.Lock(ctx, pager.TxID(1), v, IX); err != nil {
		t.Fatalf("upgrade to IX: %v", err)
	}
	if got := m.HeldMode(pager.TxID(1), v); got != SIX {
		t.Fatalf("expected SIX after S+IX merge, got %s", got)
	}
}

// TestManager_ExclusiveBlocksUntilSharedReleased mirrors the seeded
// scenario: txn A holds S on a variable, txn B's X request blocks, and B
// unblocks and acquires the instant A releases.
func TestManager_ExclusiveBlocksUntilSharedReleased(t *testing.T) {
	m := New(2 * time.Second)
	ctx := context.Background()
	v := Var("v")

	if err := m.Lock(ctx, pager.TxID(1), v, S); err != nil {
		t.Fatalf("txn A S: %v", err)
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- m.Lock(ctx, pager.TxID(2), v, X)
	}()

	select {
	case <-unblocked:
		t.Fatal("txn B should still be blocked on txn A's S lock")
	case <-time.After(100 * time.Millisecond):
	}

	m.UnlockAll(pager.TxID(1))

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("txn B should have acquired X after A released: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("txn B never unblocked")
	}

	if got := m.HeldMode(pager.TxID(2), v); got != X {
		t.Fatalf("expected txn B to hold X, got %s", got)
	}
}

func TestManager_ConflictingWaitTimesOutAsDeadlock(t *testing.T) {
	m := New(50 * time.Millisecond)
	ctx := context.Background()
	v := Var("v")

	if err := m.Lock(ctx, pager.TxID(1), v, X); err != nil {
		t.Fatalf("txn A X: %v", err)
	}
	err := m.Lock(ctx, pager.TxID(2), v, S)
	if err != ErrDeadlock {
		t.Fatalf("expected ErrDeadlock, got %v", err)
	}
}

func TestManager_UnlockAllReleasesEveryHeldLockAndImplicitParents(t *testing.T) {
	m := New(time.Second)
	ctx := context.Background()
	v := Var("v")

	if err := m.Lock(ctx, pager.TxID(1), v, X); err != nil {
		t.Fatalf("lock: %v", err)
	}
	m.UnlockAll(pager.TxID(1))

	if got := m.HeldMode(pager.TxID(1), v); got != None {
		t.Fatalf("expected no lock held on var after UnlockAll, got %s", got)
	}
	if got := m.HeldMode(pager.TxID(1), DBLock); got != None {
		t.Fatalf("expected no lock held on DB after UnlockAll, got %s", got)
	}

	// A fresh transaction must be able to take X immediately — nothing
	// should remain parked or orphaned in the hash table.
	if err := m.Lock(ctx, pager.TxID(2), v, X); err != nil {
		t.Fatalf("txn 2 should acquire cleanly: %v", err)
	}
}

func TestManager_RPTreeLockNestsUnderItsVariable(t *testing.T) {
	m := New(time.Second)
	ctx := context.Background()
	tree := RPTree("v", pager.PageID(7))

	if err := m.Lock(ctx, pager.TxID(1), tree, X); err != nil {
		t.Fatalf("lock tree: %v", err)
	}
	if got := m.HeldMode(pager.TxID(1), Var("v")); got != IX {
		t.Fatalf("expected implicit IX on owning variable, got %s", got)
	}
	if got := m.HeldMode(pager.TxID(1), DBLock); got != IX {
		t.Fatalf("expected implicit IX on DB, got %s", got)
	}
}
