package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// KindPolicy is the YAML shape of a per-kind override. Nil fields inherit the
// env-derived BillingConfig.
type KindPolicy struct {
	ChargeEvery    *int `yaml:"charge_every"`
	ChargeCost     *int `yaml:"charge_cost"`
	ScoreThreshold *int `yaml:"score_threshold"`
	MinTurns       *int `yaml:"min_turns"`
	MaxTurnRunes   *int `yaml:"max_turn_runes"`
}

type policyFile struct {
	Kinds map[string]KindPolicy `yaml:"kinds"`
}

// Policies resolves the effective billing/completion policy per
// conversation kind.
type Policies struct {
	Default BillingConfig
	Kinds   map[string]BillingConfig
}

// For returns the policy for kind, falling back to Default.
func (p Policies) For(kind string) BillingConfig {
	if b, ok := p.Kinds[kind]; ok {
		return b
	}
	return p.Default
}

// LoadPolicies builds Policies from base and, when path is non-empty, the
// YAML overrides found at path.
//
// Example file:
//
//	kinds:
//	  deep_dive:
//	    charge_every: 5
//	    min_turns: 6
//	  document_review:
//	    charge_every: 3
//	    charge_cost: 2
func LoadPolicies(path string, base BillingConfig) (Policies, error) {
	p := Policies{Default: base, Kinds: map[string]BillingConfig{}}
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("reading policy file: %w", err)
	}
	return parsePolicies(raw, base)
}

func parsePolicies(raw []byte, base BillingConfig) (Policies, error) {
	p := Policies{Default: base, Kinds: map[string]BillingConfig{}}

	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return p, fmt.Errorf("parsing policy file: %w", err)
	}
	for kind, kp := range f.Kinds {
		b := base
		if kp.ChargeEvery != nil {
			b.ChargeEvery = *kp.ChargeEvery
		}
		if kp.ChargeCost != nil {
			b.ChargeCost = *kp.ChargeCost
		}
		if kp.ScoreThreshold != nil {
			b.ScoreThreshold = *kp.ScoreThreshold
		}
		if kp.MinTurns != nil {
			b.MinTurns = *kp.MinTurns
		}
		if kp.MaxTurnRunes != nil {
			b.MaxTurnRunes = *kp.MaxTurnRunes
		}
		if err := b.Validate(); err != nil {
			return p, fmt.Errorf("policy %q: %w", kind, err)
		}
		p.Kinds[kind] = b
	}
	return p, nil
}
