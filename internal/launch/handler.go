// internal/launch/handler.go
package launch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"percipio/pkg/middleware"
	"percipio/pkg/openapi"
	"percipio/pkg/percipio"
	"percipio/pkg/problems"
)

// launchFailedTitle is the only failure text a learner ever sees.
const launchFailedTitle = "Error! Please try again."

// Operations are the routes Register mounts, surfaced in the API description.
var Operations = []openapi.Operation{
	{
		Method: "GET", Path: "/v1/settings/status", OperationID: "settingsStatus",
		Summary: "Report whether the Percipio settings are complete", Tags: []string{"launch"},
		Responses: map[string]any{
			"200": openapi.JSONResponse("Settings status", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"complete":              map[string]any{"type": "boolean"},
					"authentication_method": map[string]any{"type": "string", "enum": []string{"oauth", "service_account_bearer_token"}},
					"missing":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			}),
		},
	},
	{
		Method: "POST", Path: "/v1/launch", OperationID: "createLaunch",
		Summary: "Create a launch URL for the calling learner", Tags: []string{"launch"},
		RequestBody: map[string]any{"required": true, "content": map[string]any{"application/json": map[string]any{"schema": map[string]any{
			"type":       "object",
			"required":   []string{"activity_id"},
			"properties": map[string]any{"activity_id": map[string]any{"type": "string"}},
		}}}},
		Responses: map[string]any{
			"200": openapi.JSONResponse("Launch URL", map[string]any{
				"type":       "object",
				"properties": map[string]any{"launch_url": map[string]any{"type": "string", "format": "uri"}},
			}),
			"400": openapi.ProblemResponse("activity_id missing"),
			"401": openapi.ProblemResponse("No learner identity"),
			"409": openapi.ProblemResponse("Settings incomplete"),
			"502": openapi.ProblemResponse("Percipio rejected or failed the token exchange"),
		},
	},
	{
		Method: "GET", Path: "/v1/launch", OperationID: "redirectLaunch",
		Summary: "Redirect the calling learner to Percipio", Tags: []string{"launch"},
		Parameters: []any{map[string]any{"name": "activity_id", "in": "query", "required": true, "schema": map[string]any{"type": "string"}}},
		Responses: map[string]any{
			"302": openapi.JSONResponse("Redirect to the launch URL", nil),
			"400": openapi.ProblemResponse("activity_id missing"),
			"401": openapi.ProblemResponse("No learner identity"),
			"409": openapi.ProblemResponse("Settings incomplete"),
			"502": openapi.ProblemResponse("Percipio rejected or failed the token exchange"),
		},
	},
}

// Register mounts the launch routes on r and records them in reg.
func Register(r chi.Router, svc *Service, reg *openapi.Registry, log *zap.SugaredLogger) {
	for _, op := range Operations {
		reg.Register(op)
	}

	r.Get("/v1/settings/status", func(w http.ResponseWriter, req *http.Request) {
		st, err := svc.Status(req.Context())
		if err != nil {
			log.Errorw("settings status", "err", err, "request_id", middleware.RequestIDFrom(req.Context()))
			problems.Write(w, problems.New("settings-unavailable", http.StatusServiceUnavailable, "Settings unavailable", ""))
			return
		}
		writeJSON(w, st, http.StatusOK)
	})

	r.Post("/v1/launch", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ActivityID string `json:"activity_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			problems.Write(w, problems.New("invalid-request", http.StatusBadRequest, "Invalid request body", err.Error()))
			return
		}
		u, ok := launch(w, req, svc, log, body.ActivityID)
		if !ok {
			return
		}
		writeJSON(w, map[string]string{"launch_url": u}, http.StatusOK)
	})

	r.Get("/v1/launch", func(w http.ResponseWriter, req *http.Request) {
		u, ok := launch(w, req, svc, log, req.URL.Query().Get("activity_id"))
		if !ok {
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, req, u, http.StatusFound)
	})
}

// launch runs a launch for the request's learner and writes a problem on
// failure. ok is false when a response has already been written.
func launch(w http.ResponseWriter, req *http.Request, svc *Service, log *zap.SugaredLogger, activityID string) (string, bool) {
	ctx := req.Context()
	activityID = strings.TrimSpace(activityID)
	if activityID == "" {
		problems.Write(w, problems.New("invalid-request", http.StatusBadRequest, "activity_id is required", ""))
		return "", false
	}
	learner, ok := middleware.LearnerFrom(ctx)
	if !ok {
		problems.Write(w, problems.New("unauthenticated", http.StatusUnauthorized, "Learner identity required", ""))
		return "", false
	}

	u, err := svc.Launch(ctx, learner, activityID)
	if err == nil {
		log.Infow("launch", "activity_id", activityID, "learner", learner.ID, "request_id", middleware.RequestIDFrom(ctx))
		return u, true
	}

	var pe *percipio.Error
	var se settingsError
	switch {
	case errors.As(err, &se):
		log.Errorw("launch settings", "err", err, "request_id", middleware.RequestIDFrom(ctx))
		problems.Write(w, problems.New("settings-unavailable", http.StatusServiceUnavailable, "Settings unavailable", ""))
	case errors.As(err, &pe) && pe.Kind == percipio.KindConfigIncomplete:
		p := problems.New("settings-incomplete", http.StatusConflict, "Percipio settings are incomplete", "")
		p.Missing = pe.Missing
		problems.Write(w, p)
	default:
		// Upstream detail stays in the log.
		problems.Write(w, problems.New("launch-failed", http.StatusBadGateway, launchFailedTitle, ""))
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
