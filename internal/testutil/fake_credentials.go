// Package testutil provides configurable test fakes shared across packages.
package testutil

import (
	"context"
	"fmt"

	scribe "github.com/eugener/scribe/internal"
)

// FakeCredentials is an in-memory credential source for tests. It satisfies
// the server's CredentialSource interface: unknown tenants resolve to
// ErrNotFound, client keys compare as plain strings, and scrubbing redacts
// every held secret.
type FakeCredentials struct {
	Creds map[string]*scribe.Credential
	// ResolveErr, when set, fails every Resolve call.
	ResolveErr error
}

// NewFakeCredentials returns a FakeCredentials with the given tenants loaded.
func NewFakeCredentials(creds ...*scribe.Credential) *FakeCredentials {
	f := &FakeCredentials{Creds: make(map[string]*scribe.Credential, len(creds))}
	for _, c := range creds {
		f.Creds[c.Domain] = c
	}
	return f
}

// APIKeyCredential builds a minimal api_key tenant for tests.
func APIKeyCredential(domain, accountID, clientKey, apiKey string) *scribe.Credential {
	return &scribe.Credential{
		Domain:    domain,
		Type:      scribe.CredentialAPIKey,
		AccountID: accountID,
		ClientKey: clientKey,
		APIKey:    apiKey,
	}
}

// Resolve returns the tenant's credential or ErrNotFound.
func (f *FakeCredentials) Resolve(_ context.Context, tenant string) (*scribe.Credential, error) {
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	c, ok := f.Creds[tenant]
	if !ok {
		return nil, fmt.Errorf("%w: no credential for %q", scribe.ErrNotFound, tenant)
	}
	return c, nil
}

// ValidateClientAuth checks the presented key against the tenant's client key.
func (f *FakeCredentials) ValidateClientAuth(tenant, presented string) error {
	c, ok := f.Creds[tenant]
	if !ok {
		return fmt.Errorf("%w: no credential for %q", scribe.ErrNotFound, tenant)
	}
	if c.ClientKey != "" && c.ClientKey != presented {
		return scribe.ErrUnauthorized
	}
	return nil
}

// Scrub redacts every held secret from v.
func (f *FakeCredentials) Scrub(v string) string {
	return f.redactor().Scrub(v)
}

// ScrubErr returns the scrubbed message of err, or "" for nil.
func (f *FakeCredentials) ScrubErr(err error) string {
	return f.redactor().ScrubErr(err)
}

func (f *FakeCredentials) redactor() *scribe.Redactor {
	secrets := make([]string, 0, len(f.Creds)*4)
	for _, c := range f.Creds {
		secrets = append(secrets, c.ClientKey, c.APIKey)
		if c.OAuth != nil {
			secrets = append(secrets, c.OAuth.AccessToken, c.OAuth.RefreshToken)
		}
	}
	return scribe.NewRedactor(secrets...)
}
