package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	scribe "github.com/eugener/scribe/internal"
)

func writeCredFile(t *testing.T, dir, tenant string, cred scribe.Credential) {
	t.Helper()
	data, err := json.Marshal(cred)
	if err != nil {
		t.Fatalf("marshal credential: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, tenant+".json"), data, 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}
}

func apiKeyCred(account, clientKey, apiKey string) scribe.Credential {
	return scribe.Credential{
		Type:      scribe.CredentialAPIKey,
		AccountID: account,
		ClientKey: clientKey,
		APIKey:    apiKey,
	}
}

func oauthCred(account string, expiresAt time.Time) scribe.Credential {
	return scribe.Credential{
		Type:      scribe.CredentialOAuth,
		AccountID: account,
		ClientKey: "ck-oauth-tenant-secret",
		OAuth: &scribe.OAuthToken{
			AccessToken:  "at-old-0123456789",
			RefreshToken: "rt-old-0123456789",
			ExpiresAt:    expiresAt,
		},
	}
}

// tokenServer fakes an OAuth token endpoint issuing a fixed rotated token.
func tokenServer(t *testing.T, hits *atomic.Int64, delay time.Duration, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new-0123456789","refresh_token":"rt-new-0123456789","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewLoadsDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCredFile(t, dir, "acme.example.com", apiKeyCred("acct_1", "ck-acme-123456", "sk-acme-123456"))
	writeCredFile(t, dir, "beta.example.com", oauthCred("acct_2", time.Now().Add(time.Hour)))
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := New(Options{Dir: dir, RefreshLead: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cred, err := store.Resolve(context.Background(), "acme.example.com")
	if err != nil {
		t.Fatalf("Resolve acme: %v", err)
	}
	if cred.AccountID != "acct_1" || cred.APIKey != "sk-acme-123456" {
		t.Errorf("unexpected credential: %+v", cred)
	}
	if cred.Domain != "acme.example.com" {
		t.Errorf("Domain = %q, want acme.example.com", cred.Domain)
	}

	if _, err := store.Resolve(context.Background(), "beta.example.com"); err != nil {
		t.Fatalf("Resolve beta: %v", err)
	}

	if _, err := store.Resolve(context.Background(), "unknown.example.com"); !errors.Is(err, scribe.ErrNotFound) {
		t.Errorf("unknown tenant: err = %v, want ErrNotFound", err)
	}
	if _, err := store.Resolve(context.Background(), "broken"); !errors.Is(err, scribe.ErrNotFound) {
		t.Errorf("broken file should have been skipped: err = %v", err)
	}
	if _, err := store.Resolve(context.Background(), "../etc/passwd"); !errors.Is(err, scribe.ErrInvalidRequest) {
		t.Errorf("traversal tenant: err = %v, want ErrInvalidRequest", err)
	}
}

func TestValidTenant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tenant string
		want   bool
	}{
		{"acme.example.com", true},
		{"localhost", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
		{"../up", false},
		{"trick..y", false},
	}
	for _, tt := range tests {
		if got := ValidTenant(tt.tenant); got != tt.want {
			t.Errorf("ValidTenant(%q) = %v, want %v", tt.tenant, got, tt.want)
		}
	}
}

func TestValidateClientAuth(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCredFile(t, dir, "acme.example.com", apiKeyCred("acct_1", "ck-correct-horse", "sk-x-123456789"))
	writeCredFile(t, dir, "open.example.com", apiKeyCred("acct_2", "", "sk-y-123456789"))

	store, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name      string
		tenant    string
		presented string
		wantErr   error
	}{
		{"correct key", "acme.example.com", "ck-correct-horse", nil},
		{"wrong key", "acme.example.com", "ck-wrong", scribe.ErrUnauthorized},
		{"empty key", "acme.example.com", "", scribe.ErrUnauthorized},
		{"tenant without client key", "open.example.com", "anything", nil},
		{"unknown tenant", "ghost.example.com", "ck-correct-horse", scribe.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateClientAuth(tt.tenant, tt.presented)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("ValidateClientAuth: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateClientAuth: err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolveRefreshesExpiringToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := tokenServer(t, &hits, 0, http.StatusOK)

	dir := t.TempDir()
	writeCredFile(t, dir, "oauth.example.com", oauthCred("acct_9", time.Now().Add(10*time.Second)))

	store, err := New(Options{Dir: dir, RefreshLead: time.Minute, TokenURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cred, err := store.Resolve(context.Background(), "oauth.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.OAuth.AccessToken != "at-new-0123456789" {
		t.Errorf("access token = %q, want refreshed token", cred.OAuth.AccessToken)
	}
	if cred.OAuth.RefreshToken != "rt-new-0123456789" {
		t.Errorf("refresh token not rotated: %q", cred.OAuth.RefreshToken)
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hits = %d, want 1", hits.Load())
	}

	// Fresh token, second resolve must not refresh again.
	if _, err := store.Resolve(context.Background(), "oauth.example.com"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hits after second resolve = %d, want 1", hits.Load())
	}

	// The rotated token must be persisted back to the file.
	data, err := os.ReadFile(filepath.Join(dir, "oauth.example.com.json"))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	var onDisk scribe.Credential
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("parse persisted file: %v", err)
	}
	if onDisk.OAuth == nil || onDisk.OAuth.AccessToken != "at-new-0123456789" {
		t.Errorf("persisted credential not updated: %+v", onDisk.OAuth)
	}
}

func TestRefreshFailureKeepsOldToken(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := tokenServer(t, &hits, 0, http.StatusBadRequest)

	dir := t.TempDir()
	writeCredFile(t, dir, "oauth.example.com", oauthCred("acct_9", time.Now().Add(-time.Minute)))

	store, err := New(Options{Dir: dir, RefreshLead: time.Minute, TokenURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = store.Resolve(context.Background(), "oauth.example.com")
	if !errors.Is(err, scribe.ErrUpstreamAuth) {
		t.Fatalf("Resolve: err = %v, want ErrUpstreamAuth", err)
	}
	if err.Error() != store.Scrub(err.Error()) {
		t.Errorf("refresh error leaks a secret: %v", err)
	}

	cur, ok := store.get("oauth.example.com")
	if !ok {
		t.Fatal("credential vanished after failed refresh")
	}
	if cur.OAuth.AccessToken != "at-old-0123456789" || cur.OAuth.RefreshToken != "rt-old-0123456789" {
		t.Errorf("stored token changed after failed refresh: %+v", cur.OAuth)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := tokenServer(t, &hits, 100*time.Millisecond, http.StatusOK)

	dir := t.TempDir()
	writeCredFile(t, dir, "oauth.example.com", oauthCred("acct_9", time.Now().Add(-time.Minute)))

	store, err := New(Options{Dir: dir, RefreshLead: time.Minute, TokenURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.Resolve(context.Background(), "oauth.example.com")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Resolve %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hits = %d, want 1 (single flight)", hits.Load())
	}
}

func TestWatcherAppliesDirectoryChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCredFile(t, dir, "acme.example.com", apiKeyCred("acct_1", "ck-one-23456789", "sk-one-23456789"))

	store, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewWatcher(store).Run(ctx) }()

	// New tenant file appears.
	writeCredFile(t, dir, "new.example.com", apiKeyCred("acct_2", "ck-two-23456789", "sk-two-23456789"))
	waitFor(t, func() bool {
		_, err := store.Resolve(context.Background(), "new.example.com")
		return err == nil
	}, "new tenant loaded")

	// Existing tenant rewritten in place.
	writeCredFile(t, dir, "acme.example.com", apiKeyCred("acct_1", "ck-one-23456789", "sk-rotated-3456789"))
	waitFor(t, func() bool {
		cred, err := store.Resolve(context.Background(), "acme.example.com")
		return err == nil && cred.APIKey == "sk-rotated-3456789"
	}, "rotated key visible")

	// Tenant file removed.
	if err := os.Remove(filepath.Join(dir, "new.example.com.json")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, err := store.Resolve(context.Background(), "new.example.com")
		return errors.Is(err, scribe.ErrNotFound)
	}, "removed tenant dropped")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watcher Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScrubRemovesSecrets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCredFile(t, dir, "acme.example.com", apiKeyCred("acct_1", "ck-clientsecret99", "sk-upstreamsecret99"))

	store, err := New(Options{Dir: dir, StaticSecrets: []string{"dash-key-secret-11"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := "auth sk-upstreamsecret99 failed for ck-clientsecret99 via dash-key-secret-11"
	out := store.Scrub(in)
	for _, secret := range []string{"sk-upstreamsecret99", "ck-clientsecret99", "dash-key-secret-11"} {
		if strings.Contains(out, secret) {
			t.Errorf("Scrub left %q in %q", secret, out)
		}
	}
}
