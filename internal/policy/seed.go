package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed seed/default.yaml
var defaultSeed []byte

// SeedDoc is the YAML document accepted by Seed.
type SeedDoc struct {
	Rulesets []Ruleset `yaml:"rulesets"`
	Policies []Policy  `yaml:"policies"`
}

// UnmarshalYAML defaults enabled to true, matching rulesets written without
// an enabled field by the dashboard.
func (rs *Ruleset) UnmarshalYAML(n *yaml.Node) error {
	type plain Ruleset
	v := plain{Enabled: true}
	if err := n.Decode(&v); err != nil {
		return err
	}
	*rs = Ruleset(v)
	return nil
}

// UnmarshalYAML defaults enabled to true.
func (p *Policy) UnmarshalYAML(n *yaml.Node) error {
	type plain Policy
	v := plain{Enabled: true}
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = Policy(v)
	return nil
}

// ParseSeed decodes a seed document; an empty doc yields the built-in defaults.
func ParseSeed(doc []byte) (SeedDoc, error) {
	if len(doc) == 0 {
		doc = defaultSeed
	}
	var sd SeedDoc
	if err := yaml.Unmarshal(doc, &sd); err != nil {
		return SeedDoc{}, fmt.Errorf("parse policy seed: %w", err)
	}
	return sd, nil
}

// LoadSeedFile reads path, or returns the built-in defaults when path is empty.
func LoadSeedFile(path string) (SeedDoc, error) {
	if path == "" {
		return ParseSeed(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return SeedDoc{}, err
	}
	return ParseSeed(b)
}

// Seed writes every ruleset and policy in sd.
func Seed(ctx context.Context, w Writer, sd SeedDoc) error {
	for _, rs := range sd.Rulesets {
		if err := w.PutRuleset(ctx, rs); err != nil {
			return fmt.Errorf("seed ruleset %s: %w", rs.ID, err)
		}
	}
	for _, p := range sd.Policies {
		if err := w.PutPolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}

// Seeder is a Writer that can report whether it already holds policies.
type Seeder interface {
	Writer
	HasPolicies(ctx context.Context) (bool, error)
}

// SeedIfEmpty applies sd only to a store without policies, so operator edits
// survive restarts. It reports whether the seed was applied.
func SeedIfEmpty(ctx context.Context, s Seeder, sd SeedDoc) (bool, error) {
	has, err := s.HasPolicies(ctx)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}
	return true, Seed(ctx, s, sd)
}
