// Package settings persists the plugin's flat key/value configuration. The
// same store holds operator-entered credentials and the record of the last
// OAuth exchange.
package settings

import (
	"context"
	"errors"

	"percipio/pkg/percipio"
)

var ErrNotFound = errors.New("setting not found")

// Store is a flat string key/value store. GetMany omits absent keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, values map[string]string) error
	All(ctx context.Context) (map[string]string, error)
}

var _ percipio.ConfigStore = Store(nil)

// sensitive keys are encrypted at rest and redacted by the admin API.
var sensitive = map[string]bool{
	percipio.KeyClientSecret: true,
	percipio.KeyBearerToken:  true,
	percipio.KeyOAuthToken:   true,
}

// IsSensitive reports whether key holds a secret.
func IsSensitive(key string) bool { return sensitive[key] }

// Redact masks a secret, keeping a short prefix of long values for recognition.
func Redact(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) > 12:
		return v[:4] + "****"
	default:
		return "****"
	}
}

// RedactAll returns a copy of vals with sensitive values masked.
func RedactAll(vals map[string]string) map[string]string {
	out := make(map[string]string, len(vals))
	for k, v := range vals {
		if IsSensitive(k) {
			v = Redact(v)
		}
		out[k] = v
	}
	return out
}
