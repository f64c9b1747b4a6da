package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML parses a registry seed file. The file must be a YAML list of
// indicator entries.
func LoadYAML(path string) ([]IndicatorSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var specs []IndicatorSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("registry YAML must be a list of indicator entries: %w", err)
	}
	for i, spec := range specs {
		if spec.IndicatorID == "" {
			return nil, fmt.Errorf("registry entry %d has no id", i)
		}
	}
	return specs, nil
}

// LoadFromFile parses a registry seed file and upserts its entries.
func LoadFromFile(repo *Repository, path string) (int, error) {
	specs, err := LoadYAML(path)
	if err != nil {
		return 0, err
	}
	return repo.Upsert(specs)
}
