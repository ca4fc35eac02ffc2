package settings

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoadSeedFile reads a flat YAML mapping of setting name to value. ${VAR}
// references in values are expanded from the environment so secrets can stay
// out of the file.
//
//	authenticationmethod: oauth
//	clientid: moodle-prod
//	clientsecret: ${PERCIPIO_CLIENT_SECRET}
func LoadSeedFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = os.ExpandEnv(v)
	}
	return out, nil
}

// Seed writes values whose keys are not yet present in s. Settings changed by
// an operator are never overwritten. It returns the number of keys written.
func Seed(ctx context.Context, s Store, values map[string]string, log *zap.SugaredLogger) (int, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	existing, err := s.GetMany(ctx, keys)
	if err != nil {
		return 0, err
	}
	missing := map[string]string{}
	for k, v := range values {
		if _, ok := existing[k]; !ok {
			missing[k] = v
		}
	}
	if err := s.SetMany(ctx, missing); err != nil {
		return 0, err
	}
	if log != nil && len(missing) > 0 {
		log.Infow("settings seeded", "keys", len(missing), "skipped", len(values)-len(missing))
	}
	return len(missing), nil
}
