package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

func openTemp(t *testing.T) *WatchStore {
	t.Helper()
	s, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "watch.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(user, token, name string, cat model.Category) model.WatchEntry {
	e := model.WatchEntry{UserID: user}
	e.Instrument = model.Instrument{Token: token, Name: name, Category: cat, LotSize: 100}
	return e
}

func TestWatchStore_AddListOrder(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	for _, e := range []model.WatchEntry{
		entry("u1", "30", "SILVER_05DEC2025", model.CategoryMCX),
		entry("u1", "10", "GOLD_05DEC2025", model.CategoryMCX),
		entry("u1", "20", "RELIANCE", model.CategoryNSE),
		entry("u2", "40", "CRUDE_19NOV2025", model.CategoryMCX),
	} {
		if err := s.Add(ctx, e); err != nil {
			t.Fatalf("add %s: %v", e.Token, err)
		}
	}

	got, err := s.List(ctx, "u1", model.CategoryMCX)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len: got %d, want 2", len(got))
	}
	if got[0].Token != "30" || got[1].Token != "10" {
		t.Errorf("order: got %s,%s, want 30,10", got[0].Token, got[1].Token)
	}
	if got[0].LotSize != 100 || got[0].Category != model.CategoryMCX || got[0].UserID != "u1" {
		t.Errorf("entry: got %+v", got[0])
	}

	// Re-adding keeps the original position.
	re := entry("u1", "30", "SILVER_05DEC2025", model.CategoryMCX)
	re.Display = "Silver Dec"
	if err := s.Add(ctx, re); err != nil {
		t.Fatal(err)
	}
	got, _ = s.List(ctx, "u1", model.CategoryMCX)
	if got[0].Token != "30" || got[0].Display != "Silver Dec" {
		t.Errorf("after re-add: got %+v", got[0])
	}
}

func TestWatchStore_Remove(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	_ = s.Add(ctx, entry("u1", "10", "GOLD", model.CategoryMCX))
	if err := s.Remove(ctx, "u1", model.CategoryMCX, "10"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "u1", model.CategoryMCX, "missing"); err != nil {
		t.Errorf("remove missing: got %v, want nil", err)
	}
	got, _ := s.List(ctx, "u1", model.CategoryMCX)
	if len(got) != 0 {
		t.Errorf("len: got %d, want 0", len(got))
	}
}

func TestWatchStore_SaveQuotes(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	_ = s.Add(ctx, entry("u1", "10", "GOLD", model.CategoryMCX))

	at := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	q := entry("u1", "10", "GOLD", model.CategoryMCX).Quote
	q.Buy = decimal.RequireFromString("61234.5")
	q.Sell = decimal.RequireFromString("61230")
	q.LTP = decimal.RequireFromString("61232")
	q.Change = decimal.RequireFromString("-120.25")
	q.UpdatedAt = at

	other := entry("u1", "99", "NOPE", model.CategoryMCX).Quote
	other.LTP = decimal.NewFromInt(1)

	if err := s.SaveQuotes(ctx, "u1", []model.Quote{q, other}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.List(ctx, "u1", model.CategoryMCX)
	if len(got) != 1 {
		t.Fatalf("len: got %d, want 1", len(got))
	}
	g := got[0]
	if !g.Buy.Equal(q.Buy) || !g.Sell.Equal(q.Sell) || !g.LTP.Equal(q.LTP) || !g.Change.Equal(q.Change) {
		t.Errorf("prices: got buy=%s sell=%s ltp=%s chg=%s", g.Buy, g.Sell, g.LTP, g.Change)
	}
	if !g.UpdatedAt.Equal(at) {
		t.Errorf("updated_at: got %v, want %v", g.UpdatedAt, at)
	}
}
