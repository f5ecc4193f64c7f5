package auth

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenResponse is the JSON body an OAuth2 token endpoint returns.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// token is the cached access token plus the bookkeeping needed to decide
// whether it is still usable.
type token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time // zero means non-expiring
	Scope       string
}

func (t *token) validFor(skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(t.ExpiresAt) > skew
}

// Store persists a token across process restarts. Implementations must
// tolerate a missing entry by returning (nil, nil).
type Store interface {
	Load(ctx context.Context, key string) (*token, error)
	Save(ctx context.Context, key string, t *token) error
}

// OAuth2ClientCredentials implements Provider for RFC 6749 §4.4 (client
// credentials grant). Concurrent callers that all observe an expired
// token share a single refresh via golang.org/x/sync/singleflight, rather
// than each firing its own POST to the token endpoint.
type OAuth2ClientCredentials struct {
	name         string
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
	skew         time.Duration
	store        Store // optional; nil disables persistence
	storeKey     string
	onError      func(error)

	mu  sync.Mutex
	cur *token

	group singleflight.Group
}

// OAuth2Option configures an OAuth2ClientCredentials provider.
type OAuth2Option func(*OAuth2ClientCredentials)

// WithHTTPClient overrides the default *http.Client used for token
// requests.
func WithHTTPClient(c *http.Client) OAuth2Option {
	return func(o *OAuth2ClientCredentials) { o.httpClient = c }
}

// WithExpirySkew overrides the default 30-second skew window within
// which a token is proactively refreshed before it actually expires.
func WithExpirySkew(d time.Duration) OAuth2Option {
	return func(o *OAuth2ClientCredentials) { o.skew = d }
}

// WithTokenStore attaches a Store so the fetched token survives process
// restarts, keyed under key.
func WithTokenStore(s Store, key string) OAuth2Option {
	return func(o *OAuth2ClientCredentials) { o.store = s; o.storeKey = key }
}

// WithErrorHandler registers a callback invoked with every token-fetch
// failure (connect, TLS, non-2xx, malformed body). The cache is left
// unchanged on failure, so the provider remains usable for retry.
func WithErrorHandler(fn func(error)) OAuth2Option {
	return func(o *OAuth2ClientCredentials) { o.onError = fn }
}

// WithTLSConfig replaces the TLS settings used for token requests. The
// default restricts the connection to TLS 1.3; supply a config with a
// lower MinVersion for deployments that still require 1.2.
func WithTLSConfig(c *tls.Config) OAuth2Option {
	return func(o *OAuth2ClientCredentials) {
		o.httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: c},
		}
	}
}

// TLSConfigWithCA builds a TLS config that verifies the token endpoint
// against the PEM bundle at caFile instead of the platform roots,
// keeping the TLS 1.3 floor.
func TLSConfigWithCA(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("auth: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("auth: no certificates found in %s", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}, nil
}

// NewOAuth2ClientCredentials builds a client-credentials Provider.
func NewOAuth2ClientCredentials(name, tokenURL, clientID, clientSecret, scope string, opts ...OAuth2Option) *OAuth2ClientCredentials {
	o := &OAuth2ClientCredentials{
		name:         name,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS13}},
		},
		skew: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OAuth2ClientCredentials) Name() string { return o.name }

// EnsureReady loads any persisted token and, failing that, fetches one
// up front so the first real request doesn't pay for the round trip.
func (o *OAuth2ClientCredentials) EnsureReady(ctx context.Context) error {
	if o.store != nil {
		if t, err := o.store.Load(ctx, o.storeKey); err == nil && t.validFor(o.skew) {
			o.mu.Lock()
			o.cur = t
			o.mu.Unlock()
			return nil
		}
	}
	_, err := o.getValid(ctx)
	return err
}

// Headers returns a `Bearer <token>` Authorization header, refreshing the
// token first if it has expired or is within the skew window of expiry.
func (o *OAuth2ClientCredentials) Headers(ctx context.Context) (http.Header, error) {
	t, err := o.getValid(ctx)
	if err != nil {
		return nil, err
	}
	h := make(http.Header, 1)
	h.Set("Authorization", "Bearer "+t.AccessToken)
	return h, nil
}

// HandleChallenge forces a refresh on the next Headers call regardless of
// the cached token's apparent expiry, since a 401 means the remote end
// has already rejected it (revoked scope, clock skew, etc).
func (o *OAuth2ClientCredentials) HandleChallenge(ctx context.Context, challenge *Challenge) error {
	o.mu.Lock()
	o.cur = nil
	o.mu.Unlock()
	return nil
}

func (o *OAuth2ClientCredentials) getValid(ctx context.Context) (*token, error) {
	o.mu.Lock()
	if o.cur.validFor(o.skew) {
		t := o.cur
		o.mu.Unlock()
		return t, nil
	}
	o.mu.Unlock()

	// Single-flight the refresh: every concurrent caller that observed an
	// expired token waits on the same in-flight fetch instead of each
	// issuing its own POST to the token endpoint.
	v, err, _ := o.group.Do(o.storeKey+"|"+o.name, func() (any, error) {
		t, err := o.fetch(ctx)
		if err != nil {
			if o.onError != nil {
				o.onError(err)
			}
			return nil, err
		}
		o.mu.Lock()
		o.cur = t
		o.mu.Unlock()
		if o.store != nil {
			_ = o.store.Save(ctx, o.storeKey, t)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*token), nil
}

func (o *OAuth2ClientCredentials) fetch(ctx context.Context) (*token, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {o.clientID},
	}
	if o.clientSecret != "" {
		form.Set("client_secret", o.clientSecret)
	}
	if o.scope != "" {
		form.Set("scope", o.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Connection", "close")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("auth: token endpoint %s returned %d: %s", o.tokenURL, resp.StatusCode, body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("auth: empty response from token endpoint %s", o.tokenURL)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("auth: parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("auth: token endpoint returned no access_token")
	}

	t := &token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Scope:       tr.Scope,
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	t.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return t, nil
}
