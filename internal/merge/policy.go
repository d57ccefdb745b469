// Package merge combines candidate fields into canonical entities using
// per-field confidence. A stored value is only replaced by a strictly
// higher-confidence value, which prevents flapping between equally
// confident extraction strategies.
package merge

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Policy tunes merge behavior. The zero value is the default policy:
// epsilon 0 (strict improvement required) and derived fields enabled.
type Policy struct {
	// Epsilon is the global confidence margin a candidate value must
	// exceed to replace a stored value.
	Epsilon float64 `yaml:"epsilon"`

	// Fields holds per-field overrides keyed by field name.
	Fields map[string]FieldPolicy `yaml:"fields"`

	// DisableDerived turns off derived-field recomputation.
	DisableDerived bool `yaml:"disable_derived"`
}

// FieldPolicy overrides merge behavior for a single field.
type FieldPolicy struct {
	Epsilon *float64 `yaml:"epsilon,omitempty"`
}

// EpsilonFor returns the effective epsilon for a field.
func (p *Policy) EpsilonFor(field string) float64 {
	if p == nil {
		return 0
	}
	if fp, ok := p.Fields[field]; ok && fp.Epsilon != nil {
		return *fp.Epsilon
	}
	return p.Epsilon
}

// LoadPolicy reads a merge policy from a YAML file with a top-level
// "merge" key.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: read policy %s", path)
	}

	var wrapper struct {
		Merge Policy `yaml:"merge"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "merge: parse policy %s", path)
	}
	return &wrapper.Merge, nil
}
