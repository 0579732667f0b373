package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	scribe "github.com/eugener/scribe/internal"
)

// refreshTimeout bounds one token-endpoint round trip. Deliberately decoupled
// from the caller's context: the flight is shared, and the first caller
// hanging up must not fail everyone waiting on the same tenant.
const refreshTimeout = 30 * time.Second

// refresher performs OAuth refresh-token grants, deduplicated per tenant so
// concurrent requests for an expiring credential trigger exactly one call to
// the token endpoint.
type refresher struct {
	store    *Store
	tokenURL string
	clientID string
	client   *http.Client
	group    singleflight.Group
}

func newRefresher(store *Store, tokenURL, clientID string, client *http.Client) *refresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &refresher{store: store, tokenURL: tokenURL, clientID: clientID, client: client}
}

// refresh exchanges the tenant's refresh token for a fresh access token,
// persists the rotated credential, and returns it. On failure the stored
// credential is left untouched and the error wraps ErrUpstreamAuth.
func (r *refresher) refresh(ctx context.Context, tenant string) (*scribe.Credential, error) {
	v, err, _ := r.group.Do(tenant, func() (any, error) {
		cred, ok := r.store.get(tenant)
		if !ok {
			return nil, fmt.Errorf("%w: no credential for %q", scribe.ErrNotFound, tenant)
		}
		// Another flight may have finished between our caller observing an
		// expiring token and this closure running.
		if cred.OAuthValid(time.Now(), r.store.refreshLead) {
			return cred, nil
		}
		return r.doRefresh(ctx, tenant, cred)
	})
	if err != nil {
		return nil, err
	}
	return v.(*scribe.Credential), nil
}

func (r *refresher) doRefresh(ctx context.Context, tenant string, cred *scribe.Credential) (*scribe.Credential, error) {
	if r.tokenURL == "" {
		return nil, fmt.Errorf("%w: oauth token endpoint not configured", scribe.ErrUpstreamAuth)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	rctx = context.WithValue(rctx, oauth2.HTTPClient, r.client)

	conf := &oauth2.Config{
		ClientID: r.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: r.tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	start := time.Now()
	tok, err := conf.TokenSource(rctx, &oauth2.Token{RefreshToken: cred.OAuth.RefreshToken}).Token()
	if err != nil {
		r.observe("failure")
		slog.LogAttrs(ctx, slog.LevelWarn, "credential: oauth refresh failed",
			slog.String("tenant", tenant),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", r.store.ScrubErr(err)))
		return nil, fmt.Errorf("%w: refresh for %q", scribe.ErrUpstreamAuth, tenant)
	}

	updated := *cred
	oa := *cred.OAuth
	oa.AccessToken = tok.AccessToken
	// The endpoint may rotate the refresh token; x/oauth2 carries the old one
	// forward when the response omits it.
	oa.RefreshToken = tok.RefreshToken
	oa.ExpiresAt = tok.Expiry
	updated.OAuth = &oa

	r.store.replace(tenant, &updated)
	if err := r.store.persist(tenant, &updated); err != nil {
		// The in-memory token is good; losing the file only costs an extra
		// refresh after a restart.
		slog.LogAttrs(ctx, slog.LevelError, "credential: persist refreshed token failed",
			slog.String("tenant", tenant),
			slog.String("error", r.store.ScrubErr(err)))
	}

	r.observe("success")
	slog.LogAttrs(ctx, slog.LevelInfo, "credential: oauth token refreshed",
		slog.String("tenant", tenant),
		slog.Duration("elapsed", time.Since(start)),
		slog.Time("expires_at", oa.ExpiresAt))
	return &updated, nil
}

func (r *refresher) observe(outcome string) {
	if m := r.store.metrics; m != nil {
		m.CredentialRefreshes.WithLabelValues(outcome).Inc()
	}
}
