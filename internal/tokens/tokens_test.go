package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

type stubStore struct {
	mu          sync.Mutex
	windowCalls int
	lastWindow  scribe.TokenWindowQuery
	dailyCalls  int
	lastDaily   scribe.DailyUsageQuery
	window      *scribe.TokenWindow
	daily       []scribe.DailyUsage
	stats       []scribe.DomainTokenStats
	err         error
}

func (s *stubStore) TokenWindow(_ context.Context, q scribe.TokenWindowQuery) (*scribe.TokenWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowCalls++
	s.lastWindow = q
	if s.err != nil {
		return nil, s.err
	}
	return s.window, nil
}

func (s *stubStore) DailyUsage(_ context.Context, q scribe.DailyUsageQuery) ([]scribe.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyCalls++
	s.lastDaily = q
	return s.daily, s.err
}

func (s *stubStore) DomainTokenStats(_ context.Context, _ string) ([]scribe.DomainTokenStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.err
}

func TestWindowValidation(t *testing.T) {
	t.Parallel()

	svc := New(&stubStore{window: &scribe.TokenWindow{}})

	tests := []struct {
		name string
		q    scribe.TokenWindowQuery
	}{
		{"missing account", scribe.TokenWindowQuery{Window: time.Minute}},
		{"oversized window", scribe.TokenWindowQuery{AccountID: "acct-1", Window: 8 * 24 * time.Hour}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Window(context.Background(), tt.q)
			if !errors.Is(err, scribe.ErrInvalidRequest) {
				t.Fatalf("Window() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestWindowDefaultsApplied(t *testing.T) {
	t.Parallel()

	store := &stubStore{window: &scribe.TokenWindow{TotalTokens: 10}}
	svc := New(store)

	if _, err := svc.Window(context.Background(), scribe.TokenWindowQuery{AccountID: "acct-1"}); err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if store.lastWindow.Window != DefaultWindow {
		t.Fatalf("store saw window %v, want default %v", store.lastWindow.Window, DefaultWindow)
	}
}

func TestWindowCachesAggregates(t *testing.T) {
	t.Parallel()

	store := &stubStore{window: &scribe.TokenWindow{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}}
	svc := New(store)
	q := scribe.TokenWindowQuery{AccountID: "acct-1", Window: 5 * time.Minute, Domain: "alpha.example.com"}

	first, err := svc.Window(context.Background(), q)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	second, err := svc.Window(context.Background(), q)
	if err != nil {
		t.Fatalf("Window() second call error = %v", err)
	}
	if store.windowCalls != 1 {
		t.Fatalf("store queried %d times, want 1", store.windowCalls)
	}
	if first.TotalTokens != 150 || second.TotalTokens != 150 {
		t.Fatalf("got totals %d/%d, want 150", first.TotalTokens, second.TotalTokens)
	}
}

func TestWindowCacheKeySeparatesFilters(t *testing.T) {
	t.Parallel()

	store := &stubStore{window: &scribe.TokenWindow{}}
	svc := New(store)

	base := scribe.TokenWindowQuery{AccountID: "acct-1", Window: 5 * time.Minute}
	modelScoped := base
	modelScoped.Model = "claude-sonnet-4-5"

	if _, err := svc.Window(context.Background(), base); err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if _, err := svc.Window(context.Background(), modelScoped); err != nil {
		t.Fatalf("Window() model-scoped error = %v", err)
	}
	if store.windowCalls != 2 {
		t.Fatalf("store queried %d times, want 2 (distinct cache keys)", store.windowCalls)
	}
}

func TestWindowStoreError(t *testing.T) {
	t.Parallel()

	svc := New(&stubStore{err: errors.New("scan failed")})
	_, err := svc.Window(context.Background(), scribe.TokenWindowQuery{AccountID: "acct-1", Window: time.Minute})
	if err == nil {
		t.Fatal("Window() returned nil error, want store error")
	}
}

func TestDaily(t *testing.T) {
	t.Parallel()

	store := &stubStore{daily: []scribe.DailyUsage{{Date: "2026-08-25", TotalTokens: 42}}}
	svc := New(store)

	rows, err := svc.Daily(context.Background(), scribe.DailyUsageQuery{AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("Daily() error = %v", err)
	}
	if len(rows) != 1 || rows[0].TotalTokens != 42 {
		t.Fatalf("Daily() rows = %+v, want one row with 42 tokens", rows)
	}
	if store.lastDaily.Days != DefaultDays {
		t.Fatalf("store saw days %d, want default %d", store.lastDaily.Days, DefaultDays)
	}

	if _, err := svc.Daily(context.Background(), scribe.DailyUsageQuery{Days: 7}); !errors.Is(err, scribe.ErrInvalidRequest) {
		t.Fatalf("Daily() without account error = %v, want ErrInvalidRequest", err)
	}
	if _, err := svc.Daily(context.Background(), scribe.DailyUsageQuery{AccountID: "acct-1", Days: 365}); !errors.Is(err, scribe.ErrInvalidRequest) {
		t.Fatalf("Daily() with oversized days error = %v, want ErrInvalidRequest", err)
	}
}

func TestDomainStats(t *testing.T) {
	t.Parallel()

	store := &stubStore{stats: []scribe.DomainTokenStats{{Domain: "alpha.example.com", TotalTokens: 7}}}
	svc := New(store)

	rows, err := svc.DomainStats(context.Background(), "")
	if err != nil {
		t.Fatalf("DomainStats() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Domain != "alpha.example.com" {
		t.Fatalf("DomainStats() rows = %+v", rows)
	}
}
