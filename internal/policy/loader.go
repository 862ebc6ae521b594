package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileLoader resolves an effort_policy_ref to a JSON document on disk
// named "<ref>.json" under Dir. Policy documents are operator-edited
// content, not process config, so they live in files rather than env
// vars.
type FileLoader struct {
	Dir string
}

// Load implements session.PolicyLoader.
func (l FileLoader) Load(ref string) (EffortPolicyConfig, error) {
	path := filepath.Join(l.Dir, ref+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return EffortPolicyConfig{}, fmt.Errorf("reading effort policy %q: %w", ref, err)
	}
	var cfg EffortPolicyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return EffortPolicyConfig{}, fmt.Errorf("parsing effort policy %q: %w", ref, err)
	}
	return cfg, nil
}
