package db

import (
	"context"
	"errors"
	"testing"
)

type fakeTx struct {
	commits   int
	rollbacks int
	commitErr error
}

func (f *fakeTx) Commit(context.Context) error {
	f.commits++
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rollbacks++
	return nil
}

type fakeBeginner struct {
	tx      *fakeTx
	begins  int
	failErr error
}

func (f *fakeBeginner) Begin(ctx context.Context) (context.Context, Tx, error) {
	if f.failErr != nil {
		return ctx, nil, f.failErr
	}
	f.begins++
	return ctx, f.tx, nil
}

func TestWithinTx_Commits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	err := WithinTx(context.Background(), b, func(ctx context.Context) error {
		if !InTx(ctx) {
			t.Error("expected transaction marker inside fn")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.tx.commits != 1 || b.tx.rollbacks != 0 {
		t.Errorf("expected 1 commit and 0 rollbacks, got %d/%d", b.tx.commits, b.tx.rollbacks)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	want := errors.New("write failed")
	err := WithinTx(context.Background(), b, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if b.tx.commits != 0 || b.tx.rollbacks != 1 {
		t.Errorf("expected 0 commits and 1 rollback, got %d/%d", b.tx.commits, b.tx.rollbacks)
	}
}

func TestWithinTx_NestedJoinsOuter(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	err := WithinTx(context.Background(), b, func(ctx context.Context) error {
		return WithinTx(ctx, b, func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.begins != 1 {
		t.Errorf("expected a single Begin, got %d", b.begins)
	}
	if b.tx.commits != 1 {
		t.Errorf("expected a single Commit, got %d", b.tx.commits)
	}
}

func TestWithinTx_BeginFailure(t *testing.T) {
	b := &fakeBeginner{failErr: errors.New("pool exhausted")}
	called := false
	err := WithinTx(context.Background(), b, func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected begin error")
	}
	if called {
		t.Error("fn must not run when Begin fails")
	}
}

func TestWithinTx_CommitFailureRollsBack(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{commitErr: errors.New("serialization failure")}}
	err := WithinTx(context.Background(), b, func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected commit error")
	}
	if b.tx.rollbacks != 1 {
		t.Errorf("expected rollback after failed commit, got %d", b.tx.rollbacks)
	}
}

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil transaction on bare context")
	}
}
