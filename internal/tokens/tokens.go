package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/storage"
)

// windowCacheTTL is how long a computed window aggregate is served from
// memory before re-scanning the request table. The write pipeline batches
// inserts, so reads lag by up to its flush interval anyway; one second of
// extra staleness is invisible while it absorbs dashboard polling.
const windowCacheTTL = time.Second

const (
	// DefaultWindow is used when a query omits the window size.
	DefaultWindow = 5 * time.Minute
	maxWindow     = 7 * 24 * time.Hour

	// DefaultDays is used when a daily query omits the day count.
	DefaultDays = 7
	maxDays     = 90
)

// Service answers token accounting questions from the request store: the
// trailing-window aggregate behind /api/token-usage/current, per-day rollups,
// and per-domain totals. Window aggregates are cached briefly because the
// same account/window pair is polled repeatedly.
type Service struct {
	store   storage.TokenStore
	windows *otter.Cache[string, *scribe.TokenWindow]
}

// New returns a Service backed by the given token store.
func New(store storage.TokenStore) *Service {
	windows := otter.Must(&otter.Options[string, *scribe.TokenWindow]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, *scribe.TokenWindow](windowCacheTTL),
	})
	return &Service{store: store, windows: windows}
}

// Window aggregates inference usage for one account over the trailing
// q.Window ending now. Domain and Model narrow the scan when set.
func (s *Service) Window(ctx context.Context, q scribe.TokenWindowQuery) (*scribe.TokenWindow, error) {
	if q.AccountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", scribe.ErrInvalidRequest)
	}
	if q.Window <= 0 {
		q.Window = DefaultWindow
	}
	if q.Window > maxWindow {
		return nil, fmt.Errorf("%w: window exceeds %s", scribe.ErrInvalidRequest, maxWindow)
	}

	key := windowKey(q)
	if cached, ok := s.windows.GetIfPresent(key); ok {
		return cached, nil
	}

	w, err := s.store.TokenWindow(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("token window for account %q: %w", q.AccountID, err)
	}
	s.windows.Set(key, w)
	return w, nil
}

// Daily returns per-day aggregates for the trailing q.Days days. With
// q.Aggregate set, domains collapse into one row per day.
func (s *Service) Daily(ctx context.Context, q scribe.DailyUsageQuery) ([]scribe.DailyUsage, error) {
	if q.AccountID == "" {
		return nil, fmt.Errorf("%w: accountId is required", scribe.ErrInvalidRequest)
	}
	if q.Days <= 0 {
		q.Days = DefaultDays
	}
	if q.Days > maxDays {
		return nil, fmt.Errorf("%w: days exceeds %d", scribe.ErrInvalidRequest, maxDays)
	}

	rows, err := s.store.DailyUsage(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("daily usage for account %q: %w", q.AccountID, err)
	}
	return rows, nil
}

// DomainStats returns all-time per-domain token totals. An empty domain
// returns every domain.
func (s *Service) DomainStats(ctx context.Context, domain string) ([]scribe.DomainTokenStats, error) {
	rows, err := s.store.DomainTokenStats(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("domain token stats: %w", err)
	}
	return rows, nil
}

func windowKey(q scribe.TokenWindowQuery) string {
	return q.AccountID + "|" + q.Window.String() + "|" + q.Domain + "|" + q.Model
}
