package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"percipio/pkg/middleware"
	"percipio/pkg/openapi"
	"percipio/pkg/percipio"
	"percipio/pkg/problems"
	"percipio/pkg/settings"
)

// editable are the settings an operator may change; the token record is
// written only by the launch service.
var editable = func() map[string]bool {
	m := map[string]bool{}
	for _, k := range percipio.ConfigKeys {
		m[k] = true
	}
	return m
}()

func operations(scope string) []openapi.Operation {
	scopes := []string{scope}
	return []openapi.Operation{
		{Method: "GET", Path: "/admin/settings", OperationID: "getSettings", Summary: "Current Percipio settings, secrets redacted", Tags: []string{"admin"}, Scopes: scopes,
			Responses: map[string]any{"200": openapi.JSONResponse("Settings", map[string]any{"type": "object"})}},
		{Method: "PUT", Path: "/admin/settings", OperationID: "putSettings", Summary: "Update some or all Percipio settings", Tags: []string{"admin"}, Scopes: scopes,
			RequestBody: map[string]any{"required": true, "content": map[string]any{"application/json": map[string]any{"schema": map[string]any{
				"type": "object", "additionalProperties": map[string]any{"type": "string"},
			}}}},
			Responses: map[string]any{
				"200": openapi.JSONResponse("Settings after the update", map[string]any{"type": "object"}),
				"400": openapi.ProblemResponse("Unknown key or invalid value"),
			}},
		{Method: "GET", Path: "/admin/settings/token", OperationID: "getTokenRecord", Summary: "Last recorded OAuth exchange", Tags: []string{"admin"}, Scopes: scopes,
			Responses: map[string]any{"200": openapi.JSONResponse("Token record", map[string]any{"type": "object"})}},
		{Method: "GET", Path: "/healthz", OperationID: "health", Summary: "Liveness", Public: true,
			Responses: map[string]any{"200": openapi.JSONResponse("ok", nil)}},
	}
}

func (a *App) settingsView(r *http.Request) (map[string]any, error) {
	vals, err := a.store.GetMany(r.Context(), percipio.ConfigKeys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(percipio.ConfigKeys))
	for _, k := range percipio.ConfigKeys {
		out[k] = vals[k]
	}
	cfg := percipio.AuthConfigFromMap(vals)
	missing := cfg.Missing()
	if missing == nil {
		missing = []string{}
	}
	return map[string]any{
		"settings": settings.RedactAll(out),
		"status": map[string]any{
			"complete":              len(missing) == 0,
			"authentication_method": cfg.Method,
			"missing":               missing,
		},
	}, nil
}

func (a *App) getSettings(w http.ResponseWriter, r *http.Request) {
	view, err := a.settingsView(r)
	if err != nil {
		a.log.Errorw("read settings", "err", err)
		problems.Write(w, problems.New("settings-unavailable", http.StatusServiceUnavailable, "Settings unavailable", ""))
		return
	}
	writeJSON(w, view, http.StatusOK)
}

func (a *App) putSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		problems.Write(w, problems.New("invalid-request", http.StatusBadRequest, "Invalid request body", "expected a JSON object of string values"))
		return
	}
	updates, err := validateUpdates(body)
	if err != nil {
		problems.Write(w, problems.New("invalid-setting", http.StatusBadRequest, "Invalid setting", err.Error()))
		return
	}
	if err := a.store.SetMany(r.Context(), updates); err != nil {
		a.log.Errorw("write settings", "err", err)
		problems.Write(w, problems.New("settings-unavailable", http.StatusServiceUnavailable, "Settings unavailable", ""))
		return
	}
	changed := make([]string, 0, len(updates))
	for k := range updates {
		changed = append(changed, k)
	}
	sort.Strings(changed)
	a.log.Infow("settings updated", "keys", changed, "actor", middleware.ActorSub(r.Context()), "request_id", middleware.RequestIDFrom(r.Context()))
	a.getSettings(w, r)
}

// validateUpdates checks keys and values and drops secrets that were echoed
// back in their redacted form.
func validateUpdates(body map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(body))
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.TrimSpace(body[k])
		if !editable[k] {
			return nil, fmt.Errorf("unknown setting %q", k)
		}
		if settings.IsSensitive(k) && strings.HasSuffix(v, "****") {
			continue
		}
		switch k {
		case percipio.KeyAuthMethod:
			if v != string(percipio.MethodOAuth) && v != string(percipio.MethodBearer) {
				return nil, fmt.Errorf("%s must be %q or %q", k, percipio.MethodOAuth, percipio.MethodBearer)
			}
		case percipio.KeyPII:
			if v != "yes" && v != "no" {
				return nil, fmt.Errorf("%s must be \"yes\" or \"no\"", k)
			}
		case percipio.KeyOAuthURL, percipio.KeyBaseURL:
			if v != "" && !isHTTPURL(v) {
				return nil, fmt.Errorf("%s must be an absolute http(s) URL", k)
			}
		}
		out[k] = v
	}
	return out, nil
}

func isHTTPURL(v string) bool {
	u, err := url.Parse(v)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func (a *App) getTokenRecord(w http.ResponseWriter, r *http.Request) {
	vals, err := a.store.GetMany(r.Context(), []string{
		percipio.KeyOAuthToken, percipio.KeyOAuthTokenExpiry, percipio.KeyTokenExpiryTime, percipio.KeyTokenFingerprint,
	})
	if err != nil {
		a.log.Errorw("read token record", "err", err)
		problems.Write(w, problems.New("settings-unavailable", http.StatusServiceUnavailable, "Settings unavailable", ""))
		return
	}
	out := map[string]any{
		"token":       nullIfEmpty(settings.Redact(vals[percipio.KeyOAuthToken])),
		"expires_in":  nullIfEmpty(vals[percipio.KeyOAuthTokenExpiry]),
		"expires_at":  nil,
		"fingerprint": nullIfEmpty(vals[percipio.KeyTokenFingerprint]),
		"valid":       false,
	}
	if exp, err := strconv.ParseInt(vals[percipio.KeyTokenExpiryTime], 10, 64); err == nil {
		at := time.Unix(exp, 0).UTC()
		out["expires_at"] = at.Format(time.RFC3339)
		out["valid"] = vals[percipio.KeyOAuthToken] != "" && time.Now().Before(at)
	}
	writeJSON(w, out, http.StatusOK)
}
