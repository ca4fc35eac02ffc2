package percipio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type mapStore struct {
	mu   sync.Mutex
	vals map[string]string
}

func newMapStore() *mapStore { return &mapStore{vals: map[string]string{}} }

func (s *mapStore) GetMany(_ context.Context, keys []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for _, k := range keys {
		if v, ok := s.vals[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *mapStore) SetMany(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.vals[k] = v
	}
	return nil
}

// fakePercipio serves both the OAuth and the content-integration endpoints.
type fakePercipio struct {
	srv *httptest.Server

	oauthHits   atomic.Int32
	contentHits atomic.Int32

	mu          sync.Mutex
	oauthStatus int
	oauthBody   string // overrides the generated token response when set
	oauthDelay  time.Duration
	reject      map[string]bool // bearer tokens answered with 401
	lastQuery   url.Values
	lastAuth    string
	lastPath    string
	lastOAuth   tokenRequest
	lastHeaders http.Header
}

func newFakePercipio(t *testing.T) *fakePercipio {
	f := &fakePercipio{reject: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2-provider/token", func(w http.ResponseWriter, r *http.Request) {
		n := f.oauthHits.Add(1)
		f.mu.Lock()
		status, body, delay := f.oauthStatus, f.oauthBody, f.oauthDelay
		_ = json.NewDecoder(r.Body).Decode(&f.lastOAuth)
		f.lastHeaders = r.Header.Clone()
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if body != "" {
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = fmt.Fprintf(w, `{"access_token":"oauth-%d","expires_in":3600}`, n)
	})
	mux.HandleFunc("/content-integration/v1/organizations/org-1/content-token", func(w http.ResponseWriter, r *http.Request) {
		n := f.contentHits.Add(1)
		auth := r.Header.Get("Authorization")
		f.mu.Lock()
		f.lastQuery = r.URL.Query()
		f.lastAuth = auth
		f.lastPath = r.URL.Path
		rejected := f.reject[auth]
		f.mu.Unlock()
		if rejected {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"contentToken":"ct-%d"}`, n)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePercipio) oauthConfig() AuthConfig {
	return AuthConfig{
		Method:         MethodOAuth,
		ClientID:       "client",
		ClientSecret:   "secret",
		Scope:          "api",
		OAuthURL:       f.srv.URL,
		OrganizationID: "org-1",
		BaseURL:        f.srv.URL,
	}
}

func testRequest() LaunchRequest {
	return LaunchRequest{
		ActivityRef: "abc-123",
		Actor:       Actor{HomePage: "https://lms.example.com", UserID: "42"},
		Attributes:  UserAttributes{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
	}
}

func newTestClient(f *fakePercipio, clock *fakeClock, opts ...Option) *Client {
	base := []Option{WithHTTPClient(f.srv.Client()), WithClock(clock.Now)}
	return NewClient(append(base, opts...)...)
}

func TestComposeLaunchURL(t *testing.T) {
	actor := Actor{HomePage: "https://lms.example.com", UserID: "42"}.JSON()
	got := ComposeLaunchURL("https://api.example.com", actor, "abc-123", "tok-xyz")
	want := `https://api.example.com/content-integration/v1/tincan/launch?actor={"objectType":"Agent","account":{"homePage":"https://lms.example.com","name":"42"}}&activity_id=abc-123&content_token=tok-xyz`
	assert.Equal(t, want, got)
}

func TestLaunchURL_CacheHitBeforeExpiry(t *testing.T) {
	f := newFakePercipio(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestClient(f, clock)

	for i := 0; i < 3; i++ {
		u, err := c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
		require.NoError(t, err)
		assert.Contains(t, u, fmt.Sprintf("&content_token=ct-%d", i+1))
		clock.Advance(10 * time.Minute)
	}
	assert.EqualValues(t, 1, f.oauthHits.Load())
	assert.EqualValues(t, 3, f.contentHits.Load())
	assert.Equal(t, "Bearer oauth-1", f.lastAuth)
}

func TestLaunchURL_RefreshesAfterExpiry(t *testing.T) {
	f := newFakePercipio(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestClient(f, clock)

	_, err := c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
	require.NoError(t, err)

	clock.Advance(3601 * time.Second)
	_, err = c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.oauthHits.Load())
	assert.Equal(t, "Bearer oauth-2", f.lastAuth)
	tok, ok := c.Cache().Get()
	require.True(t, ok)
	assert.Equal(t, "oauth-2", tok.AccessToken)
	assert.Equal(t, clock.Now().Add(time.Hour), tok.Expiry)
}

func TestLaunchURL_OAuthFailureLeavesCacheUntouched(t *testing.T) {
	f := newFakePercipio(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := newMapStore()
	c := newTestClient(f, clock, WithStore(store))

	_, err := c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
	require.NoError(t, err)
	before, _ := c.Cache().Get()
	recorded, _ := store.GetMany(context.Background(), []string{KeyOAuthToken, KeyTokenExpiryTime})

	clock.Advance(2 * time.Hour)
	f.mu.Lock()
	f.oauthStatus = http.StatusInternalServerError
	f.mu.Unlock()

	u, err := c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
	require.Error(t, err)
	assert.Empty(t, u)
	assert.ErrorIs(t, err, ErrTransport)

	after, ok := c.Cache().Get()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.False(t, c.Cache().IsValid(clock.Now()))
	stillRecorded, _ := store.GetMany(context.Background(), []string{KeyOAuthToken, KeyTokenExpiryTime})
	assert.Equal(t, recorded, stillRecorded)
	assert.EqualValues(t, 1, f.contentHits.Load())
}

func TestLaunchURL_OAuthFailureOnEmptyCache(t *testing.T) {
	f := newFakePercipio(t)
	f.oauthStatus = http.StatusBadGateway
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})

	_, err := c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
	require.Error(t, err)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindTransport, pe.Kind)
	assert.Equal(t, http.StatusBadGateway, pe.StatusCode)
	_, ok := c.Cache().Get()
	assert.False(t, ok)
	assert.EqualValues(t, 0, f.contentHits.Load())
}

func TestContentToken_UserAttributesFollowPIIFlag(t *testing.T) {
	tests := []struct {
		name string
		pii  bool
	}{
		{name: "pii enabled", pii: true},
		{name: "pii disabled", pii: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakePercipio(t)
			c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
			cfg := f.oauthConfig()
			cfg.IncludePII = tt.pii

			_, err := c.LaunchURL(context.Background(), cfg, testRequest())
			require.NoError(t, err)

			f.mu.Lock()
			q := f.lastQuery
			f.mu.Unlock()
			assert.Equal(t, `{"objectType":"Agent","account":{"homePage":"https://lms.example.com","name":"42"}}`, q.Get("actor"))
			assert.Equal(t, "abc-123", q.Get("activity_id"))
			if !tt.pii {
				assert.False(t, q.Has("user_attributes"))
				return
			}
			var attrs map[string]string
			require.NoError(t, json.Unmarshal([]byte(q.Get("user_attributes")), &attrs))
			assert.Equal(t, map[string]string{"firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.com"}, attrs)
		})
	}
}

func TestLaunchURL_BearerModeBypassesCache(t *testing.T) {
	f := newFakePercipio(t)
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()
	cfg.Method = MethodBearer
	cfg.BearerToken = "static-token"

	u, err := c.LaunchURL(context.Background(), cfg, testRequest())
	require.NoError(t, err)
	assert.Contains(t, u, "content_token=ct-1")
	assert.Equal(t, "Bearer static-token", f.lastAuth)
	assert.EqualValues(t, 0, f.oauthHits.Load())
	_, ok := c.Cache().Get()
	assert.False(t, ok)
}

func TestLaunchURL_BearerModeDoesNotRetryUnauthorized(t *testing.T) {
	f := newFakePercipio(t)
	f.reject["Bearer static-token"] = true
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()
	cfg.Method = MethodBearer
	cfg.BearerToken = "static-token"

	_, err := c.LaunchURL(context.Background(), cfg, testRequest())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.EqualValues(t, 1, f.contentHits.Load())
	assert.EqualValues(t, 0, f.oauthHits.Load())
}

func TestLaunchURL_UnauthorizedForcesOneRefresh(t *testing.T) {
	f := newFakePercipio(t)
	f.reject["Bearer oauth-1"] = true
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})

	u, err := c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
	require.NoError(t, err)
	assert.Contains(t, u, "content_token=ct-2")
	assert.EqualValues(t, 2, f.oauthHits.Load())
	assert.EqualValues(t, 2, f.contentHits.Load())
	tok, _ := c.Cache().Get()
	assert.Equal(t, "oauth-2", tok.AccessToken)
}

func TestLaunchURL_UnauthorizedRetriesExactlyOnce(t *testing.T) {
	f := newFakePercipio(t)
	f.reject["Bearer oauth-1"] = true
	f.reject["Bearer oauth-2"] = true
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})

	_, err := c.LaunchURL(context.Background(), f.oauthConfig(), testRequest())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.EqualValues(t, 2, f.oauthHits.Load())
	assert.EqualValues(t, 2, f.contentHits.Load())
}

func TestExchangeClientCredentials_Request(t *testing.T) {
	f := newFakePercipio(t)
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()
	cfg.Scope = "api content"

	tok, expiresIn, err := c.ExchangeClientCredentials(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "oauth-1", tok)
	assert.Equal(t, time.Hour, expiresIn)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, tokenRequest{ClientID: "client", ClientSecret: "secret", GrantType: "client_credentials", Scope: "api content"}, f.lastOAuth)
	assert.Equal(t, "application/json", f.lastHeaders.Get("Accept"))
	assert.Equal(t, "application/json", f.lastHeaders.Get("Content-Type"))
}

func TestExchangeClientCredentials_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing access_token", body: `{"expires_in":3600}`},
		{name: "missing expires_in", body: `{"access_token":"abc"}`},
		{name: "zero expires_in", body: `{"access_token":"abc","expires_in":0}`},
		{name: "expires_in beyond a duration", body: `{"access_token":"abc","expires_in":9300000000}`},
		{name: "not json", body: `<html>maintenance</html>`},
		{name: "wrong type", body: `{"access_token":"abc","expires_in":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakePercipio(t)
			f.oauthBody = tt.body
			store := newMapStore()
			c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)}, WithStore(store))

			_, _, err := c.ExchangeClientCredentials(context.Background(), f.oauthConfig())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Empty(t, store.vals)
		})
	}
}

func TestContentToken_MissingField(t *testing.T) {
	f := newFakePercipio(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token":"nope"}`))
	}))
	defer srv.Close()
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()
	cfg.BaseURL = srv.URL

	_, err := c.ContentToken(context.Background(), cfg, "bearer", testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLaunchURL_IncompleteConfigMakesNoCalls(t *testing.T) {
	f := newFakePercipio(t)
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()
	cfg.ClientSecret = ""

	_, err := c.LaunchURL(context.Background(), cfg, testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigIncomplete)
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{KeyClientSecret}, pe.Missing)
	assert.EqualValues(t, 0, f.oauthHits.Load()+f.contentHits.Load())
}

func TestEnsureOAuthToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	f := newFakePercipio(t)
	f.oauthDelay = 50 * time.Millisecond
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.EnsureOAuthToken(context.Background(), cfg)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.oauthHits.Load())
	for _, tok := range tokens {
		assert.Equal(t, "oauth-1", tok)
	}
}

func TestEnsureOAuthToken_CallerCancellationDoesNotFailJoinedCallers(t *testing.T) {
	f := newFakePercipio(t)
	f.oauthDelay = 200 * time.Millisecond
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.EnsureOAuthToken(leaderCtx, cfg)
		leaderErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	type result struct {
		tok string
		err error
	}
	follower := make(chan result, 1)
	go func() {
		tok, err := c.EnsureOAuthToken(context.Background(), cfg)
		follower <- result{tok, err}
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-leaderErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, "oauth-1", got.tok)
	assert.EqualValues(t, 1, f.oauthHits.Load())
	assert.True(t, c.Cache().IsValid(time.Unix(1_700_000_000, 0)))
}

func TestEnsureOAuthToken_UsesTokenPutInSuppliedCache(t *testing.T) {
	f := newFakePercipio(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tc := NewTokenCache(clock.Now)
	tc.Put("preloaded", time.Hour)
	c := newTestClient(f, clock, WithCache(tc))

	tok, err := c.EnsureOAuthToken(context.Background(), f.oauthConfig())
	require.NoError(t, err)
	assert.Equal(t, "preloaded", tok)
	assert.EqualValues(t, 0, f.oauthHits.Load())
}

func TestEnsureOAuthToken_HugeExpiresInIsRejected(t *testing.T) {
	f := newFakePercipio(t)
	f.oauthBody = `{"access_token":"big","expires_in":9300000000}`
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})

	_, err := c.EnsureOAuthToken(context.Background(), f.oauthConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	_, ok := c.Cache().Get()
	assert.False(t, ok)
}

func TestEnsureOAuthToken_CredentialChangeIsAMiss(t *testing.T) {
	f := newFakePercipio(t)
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	cfg := f.oauthConfig()

	_, err := c.EnsureOAuthToken(context.Background(), cfg)
	require.NoError(t, err)
	cfg.ClientID = "other-client"
	tok, err := c.EnsureOAuthToken(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "oauth-2", tok)
	assert.EqualValues(t, 2, f.oauthHits.Load())
}

func TestExchange_RecordsAndRestores(t *testing.T) {
	f := newFakePercipio(t)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := newMapStore()
	c := newTestClient(f, clock, WithStore(store))

	_, err := c.EnsureOAuthToken(context.Background(), f.oauthConfig())
	require.NoError(t, err)
	assert.Equal(t, "oauth-1", store.vals[KeyOAuthToken])
	assert.Equal(t, "3600", store.vals[KeyOAuthTokenExpiry])
	assert.Equal(t, "1700003600", store.vals[KeyTokenExpiryTime])
	assert.NotEmpty(t, store.vals[KeyTokenFingerprint])

	restarted := newTestClient(f, clock, WithStore(store))
	require.NoError(t, restarted.Restore(context.Background()))
	tok, err := restarted.EnsureOAuthToken(context.Background(), f.oauthConfig())
	require.NoError(t, err)
	assert.Equal(t, "oauth-1", tok)
	assert.EqualValues(t, 1, f.oauthHits.Load())
}

func TestLaunchURL_CancelledContext(t *testing.T) {
	f := newFakePercipio(t)
	c := newTestClient(f, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.LaunchURL(ctx, f.oauthConfig(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
}
