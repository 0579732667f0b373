// Package credential loads per-tenant upstream credentials from a directory
// of JSON files, validates client keys, keeps OAuth access tokens fresh, and
// picks up file changes without a restart.
package credential

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	scribe "github.com/eugener/scribe/internal"
	"github.com/eugener/scribe/internal/telemetry"
)

// credentialExt is the required suffix of a tenant credential file. The file
// basename minus the suffix is the tenant domain.
const credentialExt = ".json"

// Options configures a Store.
type Options struct {
	// Dir is the credentials directory; one <domain>.json file per tenant.
	Dir string
	// RefreshLead is how long before expiry an OAuth access token is
	// refreshed. Zero means refresh only after expiry.
	RefreshLead time.Duration
	// TokenURL is the OAuth token endpoint used for refresh-token grants.
	TokenURL string
	// ClientID is the OAuth client id sent with refresh-token grants; may be
	// empty for endpoints that identify the client by the refresh token alone.
	ClientID string
	// HTTPClient performs token refresh calls; http.DefaultClient when nil.
	HTTPClient *http.Client
	// StaticSecrets are process-level secrets (dashboard key, analysis key)
	// folded into the redactor alongside tenant secrets.
	StaticSecrets []string

	Metrics *telemetry.Metrics
}

// Store holds the tenant credential set. Reads are lock-free on the hot path
// apart from one RWMutex acquisition; mutation comes from the directory
// watcher and the OAuth refresher.
type Store struct {
	dir         string
	refreshLead time.Duration
	static      []string
	refresher   *refresher
	metrics     *telemetry.Metrics

	mu    sync.RWMutex
	creds map[string]*scribe.Credential

	redactor atomic.Pointer[scribe.Redactor]
}

// New loads every credential file under opts.Dir and returns a ready Store.
// Files that fail to parse are skipped with a warning so one bad tenant does
// not block startup.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("credential: directory not configured")
	}
	info, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("credential: stat dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("credential: %s is not a directory", opts.Dir)
	}

	s := &Store{
		dir:         opts.Dir,
		refreshLead: opts.RefreshLead,
		static:      opts.StaticSecrets,
		metrics:     opts.Metrics,
		creds:       make(map[string]*scribe.Credential),
	}
	s.refresher = newRefresher(s, opts.TokenURL, opts.ClientID, opts.HTTPClient)

	if err := s.loadDir(); err != nil {
		return nil, err
	}
	s.rebuildRedactor()
	return s, nil
}

// loadDir scans the credentials directory and loads every tenant file.
func (s *Store) loadDir() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("credential: read dir: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, credentialExt) || strings.HasPrefix(name, ".") {
			continue
		}
		tenant := strings.TrimSuffix(name, credentialExt)
		cred, err := loadFile(filepath.Join(s.dir, name), tenant)
		if err != nil {
			slog.Warn("credential: skipping file", "file", name, "error", err)
			continue
		}
		s.creds[tenant] = cred
		loaded++
	}
	slog.Info("credential: directory loaded", "dir", s.dir, "tenants", loaded)
	return nil
}

// loadFile reads and validates a single tenant credential file.
func loadFile(path, tenant string) (*scribe.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cred := &scribe.Credential{}
	if err := json.Unmarshal(data, cred); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cred.Domain = tenant

	switch cred.Type {
	case scribe.CredentialAPIKey:
		if cred.APIKey == "" {
			return nil, fmt.Errorf("api_key credential without api_key")
		}
	case scribe.CredentialOAuth:
		if cred.OAuth == nil || cred.OAuth.RefreshToken == "" {
			return nil, fmt.Errorf("oauth credential without refresh token")
		}
	default:
		return nil, fmt.Errorf("unknown credential type %q", cred.Type)
	}
	if cred.AccountID == "" {
		return nil, fmt.Errorf("missing account_id")
	}
	return cred, nil
}

// ValidTenant reports whether tenant is a plain filename component. Anything
// with path separators or traversal sequences never touches disk or the map.
func ValidTenant(tenant string) bool {
	if tenant == "" || tenant == "." || tenant == ".." {
		return false
	}
	return !strings.ContainsAny(tenant, `/\`) && !strings.Contains(tenant, "..")
}

// Resolve returns the credential for tenant, refreshing the OAuth access
// token first when it is expired or inside the refresh lead. The returned
// value is a copy; callers cannot mutate store state through it.
func (s *Store) Resolve(ctx context.Context, tenant string) (*scribe.Credential, error) {
	if !ValidTenant(tenant) {
		return nil, fmt.Errorf("%w: bad tenant %q", scribe.ErrInvalidRequest, tenant)
	}
	cred, ok := s.get(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: no credential for %q", scribe.ErrNotFound, tenant)
	}
	if cred.Type == scribe.CredentialOAuth && !cred.OAuthValid(time.Now(), s.refreshLead) {
		return s.refresher.refresh(ctx, tenant)
	}
	return cred, nil
}

// ValidateClientAuth checks a client-presented bearer token against the
// tenant's client key. Both sides are hashed before the constant-time compare
// so input length leaks nothing.
func (s *Store) ValidateClientAuth(tenant, presented string) error {
	if !ValidTenant(tenant) {
		return fmt.Errorf("%w: bad tenant %q", scribe.ErrInvalidRequest, tenant)
	}
	cred, ok := s.get(tenant)
	if !ok {
		return fmt.Errorf("%w: no credential for %q", scribe.ErrNotFound, tenant)
	}
	if cred.ClientKey == "" {
		// Tenant opted out of client auth.
		return nil
	}
	want := scribe.HashKey(cred.ClientKey)
	got := scribe.HashKey(presented)
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return scribe.ErrUnauthorized
	}
	return nil
}

// Scrub removes every known secret from s. Safe on the hot path; the redactor
// pointer is swapped atomically on credential changes.
func (s *Store) Scrub(v string) string {
	return s.redactor.Load().Scrub(v)
}

// ScrubErr returns the scrubbed message of err, or "" for nil.
func (s *Store) ScrubErr(err error) string {
	return s.redactor.Load().ScrubErr(err)
}

// Tenants returns the loaded tenant domains, unordered.
func (s *Store) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.creds))
	for t := range s.creds {
		out = append(out, t)
	}
	return out
}

// get returns a defensive copy of the tenant's credential.
func (s *Store) get(tenant string) (*scribe.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[tenant]
	if !ok {
		return nil, false
	}
	cp := *cred
	if cred.OAuth != nil {
		oa := *cred.OAuth
		cp.OAuth = &oa
	}
	return &cp, true
}

// replace installs a new credential for tenant and rebuilds the redactor.
func (s *Store) replace(tenant string, cred *scribe.Credential) {
	s.mu.Lock()
	s.creds[tenant] = cred
	s.mu.Unlock()
	s.rebuildRedactor()
}

// remove drops a tenant and rebuilds the redactor.
func (s *Store) remove(tenant string) {
	s.mu.Lock()
	_, existed := s.creds[tenant]
	delete(s.creds, tenant)
	s.mu.Unlock()
	if existed {
		s.rebuildRedactor()
		slog.Info("credential: tenant removed", "tenant", tenant)
	}
}

// reloadTenant re-reads one tenant file after a create/write event. A parse
// failure keeps the previous credential so a half-written file cannot break a
// live tenant.
func (s *Store) reloadTenant(tenant, path string) {
	if !ValidTenant(tenant) {
		return
	}
	cred, err := loadFile(path, tenant)
	if err != nil {
		slog.Warn("credential: reload failed, keeping previous", "tenant", tenant, "error", err)
		return
	}
	s.replace(tenant, cred)
	slog.Info("credential: tenant reloaded", "tenant", tenant, "type", string(cred.Type))
}

// rebuildRedactor collects every secret currently held and swaps in a fresh
// redactor. Redactors are immutable, so readers never see a partial set.
func (s *Store) rebuildRedactor() {
	s.mu.RLock()
	secrets := make([]string, 0, len(s.creds)*4+len(s.static))
	secrets = append(secrets, s.static...)
	for _, c := range s.creds {
		secrets = append(secrets, c.ClientKey, c.APIKey)
		if c.OAuth != nil {
			secrets = append(secrets, c.OAuth.AccessToken, c.OAuth.RefreshToken)
		}
	}
	s.mu.RUnlock()
	s.redactor.Store(scribe.NewRedactor(secrets...))
}

// persist atomically rewrites the tenant's credential file after a token
// refresh: temp file in the same directory, fsync, rename.
func (s *Store) persist(tenant string, cred *scribe.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal %s: %w", tenant, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+tenant+"-*.tmp")
	if err != nil {
		return fmt.Errorf("credential: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, tenant+credentialExt)); err != nil {
		return fmt.Errorf("credential: rename: %w", err)
	}
	return nil
}
