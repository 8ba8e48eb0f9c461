package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

// LoadConfig reads a Policy Config from path. path may name a file
// directly (YAML or JSON — yaml.v3 decodes both, JSON being a structural
// subset of YAML), or a directory, in which case policy.yaml then
// policy.json are tried in turn, matching the bundle's own
// logs/policy.yaml convention . Grounded on
// pkg/policyloader/loader.go's directory-scan-then-load shape, generalized
// to a single active document instead of a merged set.
func LoadConfig(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, gateerr.Wrap(gateerr.CodeSchemaViolation, "stat policy path", err)
	}

	file := path
	if info.IsDir() {
		candidates := []string{"policy.yaml", "policy.yml", "policy.json"}
		found := false
		for _, c := range candidates {
			p := filepath.Join(path, c)
			if _, err := os.Stat(p); err == nil {
				file = p
				found = true
				break
			}
		}
		if !found {
			return Config{}, gateerr.New(gateerr.CodeSchemaViolation, fmt.Sprintf("no policy.yaml or policy.json under %s", path))
		}
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return Config{}, gateerr.Wrap(gateerr.CodeSchemaViolation, "read policy file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, gateerr.Wrap(gateerr.CodeSchemaViolation, "parse policy file", err)
	}
	if cfg.Version == "" {
		return Config{}, gateerr.New(gateerr.CodeSchemaViolation, "policy config missing version")
	}
	return cfg, nil
}
