package percipio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	tokenPath        = "/oauth2-provider/token"
	contentTokenPath = "/content-integration/v1/organizations/%s/content-token"
	launchPath       = "/content-integration/v1/tincan/launch"

	opOAuthToken   = "oauth token"
	opContentToken = "content token"

	maxResponseBytes = 1 << 20

	// maxExpiresIn is the largest expires_in, in seconds, that fits a time.Duration.
	maxExpiresIn = math.MaxInt64 / int64(time.Second)

	// refreshTimeout bounds a shared OAuth exchange once it no longer follows
	// the cancellation of the caller that started it.
	refreshTimeout = 2 * time.Minute

	// DefaultConnectTimeout bounds dialing and TLS handshakes. Transfers themselves are unbounded.
	DefaultConnectTimeout = 10 * time.Second
)

// Client performs the OAuth and content-token exchanges and assembles launch URLs.
// A Client owns its TokenCache and is safe for concurrent use.
type Client struct {
	http    *http.Client
	cache   *TokenCache
	store   ConfigStore
	log     *zap.SugaredLogger
	now     func() time.Time
	refresh singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(c *Client) { c.log = l } }

// WithStore records every successful OAuth exchange in the settings store and
// lets Restore warm the cache from it.
func WithStore(s ConfigStore) Option { return func(c *Client) { c.store = s } }

// WithClock overrides time.Now for expiry bookkeeping.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// WithCache supplies a pre-built cache.
func WithCache(tc *TokenCache) Option { return func(c *Client) { c.cache = tc } }

// NewClient builds a Client. Without options it uses NewHTTPClient(DefaultConnectTimeout),
// a fresh TokenCache, no settings write-back and a no-op logger.
func NewClient(opts ...Option) *Client {
	c := &Client{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(DefaultConnectTimeout)
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}
	if c.cache == nil {
		c.cache = NewTokenCache(c.now)
	}
	return c
}

// NewHTTPClient returns a traced client with a short connect timeout and no
// overall request timeout. Redirects follow net/http's limit of 10.
func NewHTTPClient(connectTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = connectTimeout
	return &http.Client{Transport: otelhttp.NewTransport(tr)}
}

// Cache exposes the client's token cache.
func (c *Client) Cache() *TokenCache { return c.cache }

// LaunchURL resolves a bearer token for cfg.Method, exchanges it for a content
// token and returns the launch URL. It returns either a complete URL or an error.
func (c *Client) LaunchURL(ctx context.Context, cfg AuthConfig, req LaunchRequest) (string, error) {
	contentToken, err := c.launchToken(ctx, cfg, req)
	launches.WithLabelValues(string(cfg.Method), outcome(err)).Inc()
	if err != nil {
		c.log.Warnw("launch failed", "method", cfg.Method, "activity_id", req.ActivityRef, "err", err)
		return "", err
	}
	return ComposeLaunchURL(cfg.BaseURL, req.Actor.JSON(), req.ActivityRef, contentToken), nil
}

func (c *Client) launchToken(ctx context.Context, cfg AuthConfig, req LaunchRequest) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.Method != MethodOAuth {
		return c.ContentToken(ctx, cfg, cfg.BearerToken, req)
	}
	bearer, err := c.EnsureOAuthToken(ctx, cfg)
	if err != nil {
		return "", err
	}
	tok, err := c.ContentToken(ctx, cfg, bearer, req)
	if !IsUnauthorized(err) {
		return tok, err
	}
	// The cached token was rejected before its nominal expiry; refresh once and retry once.
	c.log.Infow("content token unauthorized, refreshing oauth token", "activity_id", req.ActivityRef)
	bearer, err = c.refreshOAuthToken(ctx, cfg, bearer)
	if err != nil {
		return "", err
	}
	return c.ContentToken(ctx, cfg, bearer, req)
}

// EnsureOAuthToken returns a cached access token that is still valid for cfg's
// credentials, or exchanges client credentials for a new one. On failure the
// cache is left as it was.
func (c *Client) EnsureOAuthToken(ctx context.Context, cfg AuthConfig) (string, error) {
	if tok, ok := c.cache.lookup(c.now(), cfg.fingerprint()); ok {
		tokenCacheLookups.WithLabelValues("hit").Inc()
		return tok.AccessToken, nil
	}
	tokenCacheLookups.WithLabelValues("miss").Inc()
	return c.refreshOAuthToken(ctx, cfg, "")
}

// refreshOAuthToken runs at most one exchange per credential set at a time.
// Callers waiting on the same flight share its result. A non-empty stale token
// forces an exchange unless another caller already replaced it.
//
// The exchange does not inherit the starting caller's cancellation, so a
// caller that goes away does not fail the others; each caller stops waiting
// when its own ctx is done.
func (c *Client) refreshOAuthToken(ctx context.Context, cfg AuthConfig, stale string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", transportErr(opOAuthToken, 0, err)
	}
	fp := cfg.fingerprint()
	ch := c.refresh.DoChan(fp, func() (any, error) {
		if tok, ok := c.cache.lookup(c.now(), fp); ok && tok.AccessToken != stale {
			return tok.AccessToken, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		issued := c.now()
		token, expiresIn, err := c.ExchangeClientCredentials(fctx, cfg)
		if err != nil {
			return "", err
		}
		c.cache.set(CachedToken{AccessToken: token, Expiry: issued.Add(expiresIn), fingerprint: fp})
		return token, nil
	})
	select {
	case <-ctx.Done():
		return "", transportErr(opOAuthToken, 0, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
	Scope        string `json:"scope"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   *int64 `json:"expires_in"`
}

// ExchangeClientCredentials posts the client-credentials grant to the OAuth
// endpoint and returns the access token and its lifetime. The raw response
// fields are also written to the settings store when one is configured.
func (c *Client) ExchangeClientCredentials(ctx context.Context, cfg AuthConfig) (string, time.Duration, error) {
	token, expiresIn, err := c.exchange(ctx, cfg)
	oauthExchanges.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		c.log.Warnw("oauth exchange failed", "oauth_url", cfg.OAuthURL, "err", err)
		return "", 0, err
	}
	c.log.Infow("oauth token issued", "expires_in", expiresIn)
	c.record(ctx, cfg, token, expiresIn)
	return token, expiresIn, nil
}

func (c *Client) exchange(ctx context.Context, cfg AuthConfig) (string, time.Duration, error) {
	body, err := json.Marshal(tokenRequest{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		GrantType:    "client_credentials",
		Scope:        cfg.Scope,
	})
	if err != nil {
		return "", 0, protocolErr(opOAuthToken, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.OAuthURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return "", 0, transportErr(opOAuthToken, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	var out tokenResponse
	if err := c.do(req, opOAuthToken, &out); err != nil {
		return "", 0, err
	}
	if out.AccessToken == "" {
		return "", 0, protocolErr(opOAuthToken, errors.New("access_token missing"))
	}
	if out.ExpiresIn == nil || *out.ExpiresIn <= 0 {
		return "", 0, protocolErr(opOAuthToken, errors.New("expires_in missing or not positive"))
	}
	if *out.ExpiresIn > maxExpiresIn {
		return "", 0, protocolErr(opOAuthToken, fmt.Errorf("expires_in %d out of range", *out.ExpiresIn))
	}
	return out.AccessToken, time.Duration(*out.ExpiresIn) * time.Second, nil
}

// record writes the last exchange to the settings store. Failures are logged
// only; the in-memory cache stays authoritative.
func (c *Client) record(ctx context.Context, cfg AuthConfig, token string, expiresIn time.Duration) {
	if c.store == nil {
		return
	}
	secs := int64(expiresIn / time.Second)
	err := c.store.SetMany(ctx, map[string]string{
		KeyOAuthToken:       token,
		KeyOAuthTokenExpiry: strconv.FormatInt(secs, 10),
		KeyTokenExpiryTime:  strconv.FormatInt(c.now().Unix()+secs, 10),
		KeyTokenFingerprint: cfg.fingerprint(),
	})
	if err != nil {
		c.log.Warnw("persist oauth token", "err", err)
	}
}

// Restore seeds the cache from the last exchange recorded in the settings store.
func (c *Client) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	vals, err := c.store.GetMany(ctx, []string{KeyOAuthToken, KeyTokenExpiryTime, KeyTokenFingerprint})
	if err != nil {
		return fmt.Errorf("restore oauth token: %w", err)
	}
	tok := vals[KeyOAuthToken]
	exp, err := strconv.ParseInt(vals[KeyTokenExpiryTime], 10, 64)
	if tok == "" || err != nil {
		return nil
	}
	c.cache.set(CachedToken{AccessToken: tok, Expiry: time.Unix(exp, 0), fingerprint: vals[KeyTokenFingerprint]})
	c.log.Infow("oauth token restored", "expires_at", time.Unix(exp, 0).UTC())
	return nil
}

type contentTokenResponse struct {
	ContentToken string `json:"contentToken"`
}

// ContentToken exchanges bearer for a content token scoped to the request's
// activity and actor. User attributes are attached only when cfg.IncludePII.
func (c *Client) ContentToken(ctx context.Context, cfg AuthConfig, bearer string, lr LaunchRequest) (string, error) {
	tok, err := c.contentToken(ctx, cfg, bearer, lr)
	contentTokenRequests.WithLabelValues(outcome(err)).Inc()
	return tok, err
}

func (c *Client) contentToken(ctx context.Context, cfg AuthConfig, bearer string, lr LaunchRequest) (string, error) {
	q := url.Values{}
	q.Set("actor", lr.Actor.JSON())
	q.Set("activity_id", lr.ActivityRef)
	if cfg.IncludePII {
		q.Set("user_attributes", lr.Attributes.JSON())
	}
	endpoint := cfg.BaseURL + fmt.Sprintf(contentTokenPath, url.PathEscape(cfg.OrganizationID)) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", transportErr(opContentToken, 0, err)
	}
	req.Header.Set("Accept", "application/json")
	(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}).SetAuthHeader(req)

	var out contentTokenResponse
	if err := c.do(req, opContentToken, &out); err != nil {
		return "", err
	}
	if out.ContentToken == "" {
		return "", protocolErr(opContentToken, errors.New("contentToken missing"))
	}
	return out.ContentToken, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(op, 0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportErr(op, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transportErr(op, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return protocolErr(op, err)
	}
	return nil
}

// ComposeLaunchURL concatenates the launch URL exactly as Percipio expects it;
// the actor JSON is not escaped.
func ComposeLaunchURL(baseURL, actorJSON, activityRef, contentToken string) string {
	return baseURL + launchPath + "?actor=" + actorJSON + "&activity_id=" + activityRef + "&content_token=" + contentToken
}
