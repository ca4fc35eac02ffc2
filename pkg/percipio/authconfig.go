// Package percipio acquires the tokens needed to launch Percipio content for a
// learner: an OAuth client-credentials access token (cached until expiry) or a
// static service-account bearer token, exchanged for a per-activity content
// token that is embedded in the final Tin Can launch URL.
package percipio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// AuthMethod selects how the content-token exchange is authorized.
type AuthMethod string

const (
	MethodOAuth  AuthMethod = "oauth"
	MethodBearer AuthMethod = "service_account_bearer_token"
)

// ParseAuthMethod maps a stored setting to an AuthMethod. Anything other than
// "oauth" falls back to the service-account bearer token, the plugin default.
func ParseAuthMethod(s string) AuthMethod {
	if strings.EqualFold(strings.TrimSpace(s), string(MethodOAuth)) {
		return MethodOAuth
	}
	return MethodBearer
}

// Setting keys, named as the host platform stores them.
const (
	KeyAuthMethod     = "authenticationmethod"
	KeyClientID       = "clientid"
	KeyClientSecret   = "clientsecret"
	KeyScope          = "scope"
	KeyOAuthURL       = "oauthurl"
	KeyBearerToken    = "bearertoken"
	KeyOrganizationID = "organizationid"
	KeyBaseURL        = "percipiourl"
	KeyPII            = "piiinfo"

	// Written back after every successful OAuth exchange.
	KeyOAuthToken       = "oauthToken"
	KeyOAuthTokenExpiry = "oauthTokenExpiry"
	KeyTokenExpiryTime  = "tokenExpiryTime"
	KeyTokenFingerprint = "oauthTokenFingerprint"
)

// DefaultScope is requested when no scope is configured.
const DefaultScope = "api"

// ConfigKeys lists the settings read by LoadAuthConfig.
var ConfigKeys = []string{
	KeyAuthMethod, KeyClientID, KeyClientSecret, KeyScope, KeyOAuthURL,
	KeyBearerToken, KeyOrganizationID, KeyBaseURL, KeyPII,
}

// ConfigStore is the slice of the settings store the client needs. Absent keys
// are omitted from GetMany results rather than reported as errors.
type ConfigStore interface {
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	SetMany(ctx context.Context, values map[string]string) error
}

// AuthConfig is an immutable snapshot of the plugin settings for one request.
type AuthConfig struct {
	Method         AuthMethod
	ClientID       string
	ClientSecret   string
	Scope          string
	OAuthURL       string
	OrganizationID string
	BaseURL        string
	BearerToken    string
	IncludePII     bool
}

// LoadAuthConfig reads the current settings from store.
func LoadAuthConfig(ctx context.Context, store ConfigStore) (AuthConfig, error) {
	vals, err := store.GetMany(ctx, ConfigKeys)
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfigFromMap(vals), nil
}

// AuthConfigFromMap builds an AuthConfig from raw setting values.
func AuthConfigFromMap(vals map[string]string) AuthConfig {
	get := func(k string) string { return strings.TrimSpace(vals[k]) }
	cfg := AuthConfig{
		Method:         ParseAuthMethod(get(KeyAuthMethod)),
		ClientID:       get(KeyClientID),
		ClientSecret:   get(KeyClientSecret),
		Scope:          get(KeyScope),
		OAuthURL:       strings.TrimRight(get(KeyOAuthURL), "/"),
		OrganizationID: get(KeyOrganizationID),
		BaseURL:        strings.TrimRight(get(KeyBaseURL), "/"),
		BearerToken:    get(KeyBearerToken),
		IncludePII:     strings.EqualFold(get(KeyPII), "yes"),
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	return cfg
}

// Missing returns the keys required by the active method that are blank.
func (c AuthConfig) Missing() []string {
	var missing []string
	need := func(key, v string) {
		if v == "" {
			missing = append(missing, key)
		}
	}
	if c.Method == MethodOAuth {
		need(KeyClientID, c.ClientID)
		need(KeyClientSecret, c.ClientSecret)
		need(KeyOAuthURL, c.OAuthURL)
	} else {
		need(KeyBearerToken, c.BearerToken)
	}
	need(KeyOrganizationID, c.OrganizationID)
	need(KeyBaseURL, c.BaseURL)
	return missing
}

// Validate reports a KindConfigIncomplete error when Missing is non-empty.
func (c AuthConfig) Validate() error {
	if missing := c.Missing(); len(missing) > 0 {
		return &Error{Kind: KindConfigIncomplete, Op: "settings", Missing: missing}
	}
	return nil
}

// fingerprint identifies the credentials an OAuth token was minted for.
func (c AuthConfig) fingerprint() string {
	h := sha256.Sum256([]byte(c.OAuthURL + "\x00" + c.ClientID + "\x00" + c.Scope))
	return hex.EncodeToString(h[:8])
}
