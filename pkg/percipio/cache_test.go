package percipio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCache_ValidityBoundary(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := NewTokenCache(func() time.Time { return t0 })
	assert.False(t, c.IsValid(t0))

	c.Put("abc", time.Hour)

	assert.True(t, c.IsValid(t0))
	assert.True(t, c.IsValid(t0.Add(3599*time.Second)))
	assert.False(t, c.IsValid(t0.Add(3600*time.Second)))
	assert.False(t, c.IsValid(t0.Add(3601*time.Second)))

	tok, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, t0.Add(time.Hour), tok.Expiry)
}

func TestTokenCache_PutOverwrites(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTokenCache(func() time.Time { return now })
	c.Put("first", time.Minute)
	now = now.Add(2 * time.Minute)
	c.Put("second", time.Minute)

	tok, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, "second", tok.AccessToken)
	assert.True(t, c.IsValid(now))
}

func TestTokenCache_EmptyTokenNeverValid(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := NewTokenCache(func() time.Time { return t0 })
	c.Put("", time.Hour)
	assert.False(t, c.IsValid(t0))
}

func TestTokenCache_LookupMatchesFingerprint(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := NewTokenCache(nil)
	c.set(CachedToken{AccessToken: "abc", Expiry: t0.Add(time.Hour), fingerprint: "fp-1"})

	_, ok := c.lookup(t0, "fp-1")
	assert.True(t, ok)
	_, ok = c.lookup(t0, "fp-2")
	assert.False(t, ok)
	_, ok = c.lookup(t0.Add(time.Hour), "fp-1")
	assert.False(t, ok)
}

func TestTokenCache_PutMatchesAnyCredentials(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	c := NewTokenCache(func() time.Time { return t0 })
	c.Put("preloaded", time.Hour)

	tok, ok := c.lookup(t0, "fp-1")
	require.True(t, ok)
	assert.Equal(t, "preloaded", tok.AccessToken)
	_, ok = c.lookup(t0.Add(time.Hour), "fp-1")
	assert.False(t, ok)
}
