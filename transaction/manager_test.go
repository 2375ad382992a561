package transaction

import (
	"context"
	"errors"
	"testing"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit() error {
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback() error {
	t.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx       *fakeTx
	beginErr error
}

func (b *fakeBeginner) Begin(context.Context) (Transaction, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		b := &fakeBeginner{tx: &fakeTx{}}
		if err := Run(ctx, b, func(Transaction) error { return nil }); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if !b.tx.committed || b.tx.rolledBack {
			t.Errorf("expected commit only, got %+v", b.tx)
		}
	})

	t.Run("rolls back on error", func(t *testing.T) {
		b := &fakeBeginner{tx: &fakeTx{}}
		cause := errors.New("conflict")

		err := Run(ctx, b, func(Transaction) error { return cause })
		if !errors.Is(err, cause) {
			t.Errorf("expected cause, got %v", err)
		}
		if b.tx.committed || !b.tx.rolledBack {
			t.Errorf("expected rollback only, got %+v", b.tx)
		}
	})

	t.Run("rolls back and re-raises panic", func(t *testing.T) {
		b := &fakeBeginner{tx: &fakeTx{}}

		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("expected panic boom, got %v", r)
			}
			if !b.tx.rolledBack {
				t.Error("expected rollback")
			}
		}()

		Run(ctx, b, func(Transaction) error { panic("boom") })
	})

	t.Run("begin failure is returned", func(t *testing.T) {
		cause := errors.New("pool exhausted")
		b := &fakeBeginner{beginErr: cause}

		if err := Run(ctx, b, func(Transaction) error { return nil }); !errors.Is(err, cause) {
			t.Errorf("expected cause, got %v", err)
		}
	})

	t.Run("commit failure is returned", func(t *testing.T) {
		cause := errors.New("serialization failure")
		b := &fakeBeginner{tx: &fakeTx{commitErr: cause}}

		if err := Run(ctx, b, func(Transaction) error { return nil }); !errors.Is(err, cause) {
			t.Errorf("expected cause, got %v", err)
		}
	})
}

func TestProviders(t *testing.T) {
	t.Run("nil transaction uses fallback context", func(t *testing.T) {
		ctx := context.Background()
		got, err := MongoContext(ctx, nil)
		if err != nil || got != ctx {
			t.Errorf("expected fallback context, got %v, %v", got, err)
		}
	})

	t.Run("foreign transaction is rejected", func(t *testing.T) {
		if _, err := MongoContext(context.Background(), &fakeTx{}); !errors.Is(err, ErrUnsupportedTransaction) {
			t.Errorf("expected ErrUnsupportedTransaction, got %v", err)
		}
		if _, err := PgxQuerier(&fakeTx{}, nil); !errors.Is(err, ErrUnsupportedTransaction) {
			t.Errorf("expected ErrUnsupportedTransaction, got %v", err)
		}
	})
}
