// internal/launch/service.go
package launch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"percipio/pkg/middleware"
	"percipio/pkg/percipio"
	"percipio/pkg/settings"
)

// Service turns a learner and an activity reference into a Percipio launch URL
// using the settings current at the time of the call.
type Service struct {
	store    settings.Store
	client   *percipio.Client
	homePage string
	log      *zap.SugaredLogger
}

// NewService builds a Service. homePage is the LMS base URL sent as the actor's
// account homePage.
func NewService(store settings.Store, client *percipio.Client, homePage string, log *zap.SugaredLogger) *Service {
	return &Service{store: store, client: client, homePage: homePage, log: log}
}

// Status reports whether the settings needed by the active method are present.
type Status struct {
	Complete             bool                `json:"complete"`
	AuthenticationMethod percipio.AuthMethod `json:"authentication_method"`
	Missing              []string            `json:"missing"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	cfg, err := percipio.LoadAuthConfig(ctx, s.store)
	if err != nil {
		return Status{}, fmt.Errorf("load settings: %w", err)
	}
	missing := cfg.Missing()
	if missing == nil {
		missing = []string{}
	}
	return Status{Complete: len(missing) == 0, AuthenticationMethod: cfg.Method, Missing: missing}, nil
}

// settingsError marks failures reading the settings store, as opposed to
// failures talking to Percipio.
type settingsError struct{ err error }

func (e settingsError) Error() string { return "load settings: " + e.err.Error() }
func (e settingsError) Unwrap() error { return e.err }

// Launch returns the launch URL for learner and activityID.
func (s *Service) Launch(ctx context.Context, learner middleware.Learner, activityID string) (string, error) {
	cfg, err := percipio.LoadAuthConfig(ctx, s.store)
	if err != nil {
		return "", settingsError{err}
	}
	return s.client.LaunchURL(ctx, cfg, percipio.LaunchRequest{
		ActivityRef: activityID,
		Actor:       percipio.Actor{HomePage: s.homePage, UserID: learner.ID},
		Attributes: percipio.UserAttributes{
			FirstName: learner.FirstName,
			LastName:  learner.LastName,
			Email:     learner.Email,
		},
	})
}
