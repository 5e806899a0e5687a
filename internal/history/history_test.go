package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type windowRepo struct {
	domain.Repository
	gotSince    time.Time
	gotCategory string
	err         error
}

func (r *windowRepo) ListUserTransactions(_ context.Context, _, _, category string, since time.Time) ([]*domain.Transaction, error) {
	r.gotSince = since
	r.gotCategory = category
	if r.err != nil {
		return nil, r.err
	}
	return []*domain.Transaction{{ID: "tx-1"}}, nil
}

func TestWindow(t *testing.T) {
	now := time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC)

	t.Run("bounds the window to the configured days", func(t *testing.T) {
		repo := &windowRepo{}
		p := NewProvider(repo, 90)

		txs, err := p.Window(context.Background(), "tenant-1", "user-1", "meals", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(txs) != 1 {
			t.Errorf("expected 1 transaction, got %d", len(txs))
		}
		if want := now.AddDate(0, 0, -90); !repo.gotSince.Equal(want) {
			t.Errorf("expected since %v, got %v", want, repo.gotSince)
		}
		if repo.gotCategory != "meals" {
			t.Errorf("expected category filter, got %q", repo.gotCategory)
		}
	})

	t.Run("requires tenant and user", func(t *testing.T) {
		p := NewProvider(&windowRepo{}, 90)
		if _, err := p.Window(context.Background(), "", "user-1", "", now); err == nil {
			t.Error("expected error for missing tenant")
		}
		if _, err := p.Window(context.Background(), "tenant-1", "", "", now); err == nil {
			t.Error("expected error for missing user")
		}
	})

	t.Run("wraps repository failures", func(t *testing.T) {
		p := NewProvider(&windowRepo{err: fmt.Errorf("connection refused")}, 90)
		if _, err := p.Window(context.Background(), "tenant-1", "user-1", "", now); err == nil {
			t.Error("expected wrapped error")
		}
	})
}
