// Package upstream forwards message requests to the LLM provider API with
// per-tenant credentials, captures error responses, and parses server-sent
// event streams for the recording tee.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	scribe "github.com/eugener/scribe/internal"
)

const (
	headerAPIKey  = "x-api-key"
	headerVersion = "anthropic-version"
	headerBeta    = "anthropic-beta"

	// defaultVersion is applied when the client did not pin an API version.
	defaultVersion = "2023-06-01"
	// oauthBeta must accompany Bearer-token auth on the messages endpoint.
	oauthBeta = "oauth-2025-04-20"

	messagesPath = "/v1/messages"
)

// hopByHop headers are connection-scoped and never forwarded in either
// direction.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// skipInbound headers are dropped from the client request before forwarding:
// credentials are replaced by the tenant's, and Accept-Encoding is left to
// the transport so the tee always reads plain bytes.
var skipInbound = map[string]struct{}{
	"Authorization":   {},
	"X-Api-Key":       {},
	"Accept-Encoding": {},
	"Content-Length":  {},
	"Host":            {},
}

// Client calls the messages endpoint of one upstream API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client for baseURL. The timeout bounds one whole
// exchange including the streamed body read.
func NewClient(baseURL string, transport http.RoundTripper, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Transport: transport, Timeout: timeout},
	}
}

// Request is one inbound messages call to forward.
type Request struct {
	// Body is the already-buffered request body.
	Body []byte
	// Header is the inbound client header set; hop-by-hop and credential
	// headers are filtered before forwarding.
	Header http.Header
	// Query is the raw query string to carry through, without "?".
	Query string
}

// Messages forwards a messages request upstream with the tenant's credential
// applied and returns the raw response. Non-2xx responses are returned as-is;
// the caller decides between passthrough and error mapping. Transport-level
// failures wrap ErrUpstream.
func (c *Client) Messages(ctx context.Context, in Request, cred *scribe.Credential) (*http.Response, error) {
	target := c.base + messagesPath
	if in.Query != "" {
		target += "?" + in.Query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(in.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", scribe.ErrUpstream, err)
	}

	for key, vals := range in.Header {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		if _, skip := skipInbound[key]; skip {
			continue
		}
		req.Header[key] = vals
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get(headerVersion) == "" {
		req.Header.Set(headerVersion, defaultVersion)
	}
	if err := setAuth(req.Header, cred); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", scribe.ErrClientCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", scribe.ErrUpstream, err)
	}
	return resp, nil
}

// setAuth injects the tenant's upstream credential.
func setAuth(h http.Header, cred *scribe.Credential) error {
	switch cred.Type {
	case scribe.CredentialAPIKey:
		h.Set(headerAPIKey, cred.APIKey)
	case scribe.CredentialOAuth:
		if cred.OAuth == nil || cred.OAuth.AccessToken == "" {
			return fmt.Errorf("%w: no access token for %q", scribe.ErrUpstreamAuth, cred.Domain)
		}
		h.Set("Authorization", "Bearer "+cred.OAuth.AccessToken)
		appendBeta(h, oauthBeta)
	default:
		return fmt.Errorf("%w: unknown credential type %q", scribe.ErrUpstreamAuth, cred.Type)
	}
	return nil
}

// appendBeta merges a beta flag into the anthropic-beta header, preserving
// flags the client already requested.
func appendBeta(h http.Header, flag string) {
	cur := h.Get(headerBeta)
	if cur == "" {
		h.Set(headerBeta, flag)
		return
	}
	for _, p := range strings.Split(cur, ",") {
		if strings.TrimSpace(p) == flag {
			return
		}
	}
	h.Set(headerBeta, cur+","+flag)
}

// CopyHeader copies src into dst, skipping hop-by-hop headers. Used when
// relaying upstream response headers (rate-limit metadata included) back to
// the client.
func CopyHeader(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// APIError is a non-2xx upstream response with up to 4KB of body captured.
type APIError struct {
	StatusCode int
	Body       string
}

// maxErrorBody caps how much of an upstream error response is retained.
const maxErrorBody = 4096

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.StatusCode, e.Body)
}

// Structured reports whether the captured body is a complete JSON error
// object that can be passed through to the client verbatim.
func (e *APIError) Structured() bool {
	return gjson.Valid(e.Body) && gjson.Get(e.Body, "error").Exists()
}

// ParseAPIError drains up to 4KB of resp's body into an APIError. The caller
// retains ownership of resp.Body.
func ParseAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}

// UsageFromResponse extracts the usage block of a non-streaming response body.
func UsageFromResponse(body []byte) scribe.Usage {
	u := gjson.GetBytes(body, "usage")
	usage := scribe.Usage{
		InputTokens:         u.Get("input_tokens").Int(),
		OutputTokens:        u.Get("output_tokens").Int(),
		CacheCreationTokens: u.Get("cache_creation_input_tokens").Int(),
		CacheReadTokens:     u.Get("cache_read_input_tokens").Int(),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

// CountToolUse returns how many tool_use blocks a response body contains.
func CountToolUse(body []byte) int {
	n := 0
	gjson.GetBytes(body, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_use" {
			n++
		}
		return true
	})
	return n
}
