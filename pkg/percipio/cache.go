package percipio

import (
	"sync"
	"time"
)

// CachedToken is an OAuth access token with its absolute expiry.
type CachedToken struct {
	AccessToken string
	Expiry      time.Time
	fingerprint string
}

// TokenCache holds the most recent OAuth access token. Entries are only ever
// overwritten; expiry is evaluated lazily by IsValid.
type TokenCache struct {
	mu  sync.RWMutex
	tok CachedToken
	ok  bool
	now func() time.Time
}

// NewTokenCache returns an empty cache. now defaults to time.Now.
func NewTokenCache(now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{now: now}
}

// Get returns the stored token, valid or not.
func (c *TokenCache) Get() (CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tok, c.ok
}

// Put stores token with an expiry of now + expiresIn, replacing any entry.
func (c *TokenCache) Put(token string, expiresIn time.Duration) {
	c.set(CachedToken{AccessToken: token, Expiry: c.now().Add(expiresIn)})
}

// IsValid reports whether a token is stored and now is before its expiry.
func (c *TokenCache) IsValid(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ok && c.tok.AccessToken != "" && now.Before(c.tok.Expiry)
}

// lookup returns the token when it is valid at now and was minted for fp.
// Tokens stored through Put carry no fingerprint and match any fp.
func (c *TokenCache) lookup(now time.Time, fp string) (CachedToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok || c.tok.AccessToken == "" || !now.Before(c.tok.Expiry) {
		return CachedToken{}, false
	}
	if c.tok.fingerprint != "" && c.tok.fingerprint != fp {
		return CachedToken{}, false
	}
	return c.tok, true
}

func (c *TokenCache) set(tok CachedToken) {
	c.mu.Lock()
	c.tok = tok
	c.ok = true
	c.mu.Unlock()
}
