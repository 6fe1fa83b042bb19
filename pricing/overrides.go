package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overridesFile is the on-disk shape of a pricing overrides document:
//
//	models:
//	  my-model:
//	    promptPerThousand: 0.004
//	    completionPerThousand: 0.02
type overridesFile struct {
	Models map[string]ModelPricing `yaml:"models"`
}

// LoadOverrides reads a YAML pricing overrides file and installs every row as
// a runtime override. Returns the number of overrides installed.
func (c *Calculator) LoadOverrides(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pricing overrides: %w", err)
	}
	var doc overridesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse pricing overrides: %w", err)
	}
	for model, price := range doc.Models {
		if price.PromptPerThousand < 0 || price.CompletionPerThousand < 0 {
			return 0, fmt.Errorf("pricing overrides: negative price for model %q", model)
		}
	}
	for model, price := range doc.Models {
		c.SetOverride(model, price)
	}
	return len(doc.Models), nil
}
