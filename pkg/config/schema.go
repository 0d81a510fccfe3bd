package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const profileSchemaURL = "https://x108.dev/schemas/profile.schema.json"

// profileSchema bounds the values of a profile document. Presence of the
// required keys is checked separately so the error names the dotted key.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "version": {"type": "string"},
    "tau_seconds": {"type": "number", "minimum": 0},
    "coherence_threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "killswitch": {
      "type": "object",
      "properties": {
        "max_drawdown": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "max_volatility": {"type": "number", "exclusiveMinimum": 0},
        "max_consecutive_losses": {"type": "integer", "minimum": 1},
        "cooldown_steps": {"type": "integer", "minimum": 0}
      }
    },
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "expr"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_.-]*$"},
          "expr": {"type": "string", "minLength": 1},
          "on_fail": {"enum": ["BLOCK", "HOLD"]}
        }
      }
    }
  }
}`

var compiledProfileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchema)); err != nil {
		return nil, fmt.Errorf("profile schema load failed: %w", err)
	}
	return c.Compile(profileSchemaURL)
})

// validateSchema checks a YAML document against profileSchema.
func validateSchema(data []byte) error {
	sch, err := compiledProfileSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	// Round-trip through JSON so numbers and maps take the shapes the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
