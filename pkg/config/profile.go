package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GovernanceProfile is a YAML-declared policy bundle that overrides the
// kernel thresholds for a deployment. Zero values leave the environment
// defaults in place.
type GovernanceProfile struct {
	Name                    string  `yaml:"name" json:"name"`
	ReadinessThreshold      float64 `yaml:"readiness_threshold,omitempty" json:"readiness_threshold,omitempty"`
	EscalateAfterRejections int     `yaml:"escalate_after_rejections,omitempty" json:"escalate_after_rejections,omitempty"`
	MaxLayerRetries         int     `yaml:"max_layer_retries,omitempty" json:"max_layer_retries,omitempty"`
	DefaultWUBudget         int64   `yaml:"default_wu_budget,omitempty" json:"default_wu_budget,omitempty"`
}

// LoadProfile reads a governance profile from a YAML file.
func LoadProfile(path string) (*GovernanceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if profile.ReadinessThreshold < 0 || profile.ReadinessThreshold > 1 {
		return nil, fmt.Errorf("profile %q: readiness_threshold must be within [0,1]", path)
	}
	return &profile, nil
}

// Apply overlays the profile's non-zero values onto the config.
func (p *GovernanceProfile) Apply(cfg *Config) {
	if p.ReadinessThreshold > 0 {
		cfg.ReadinessThreshold = p.ReadinessThreshold
	}
	if p.EscalateAfterRejections > 0 {
		cfg.EscalateAfterRejections = p.EscalateAfterRejections
	}
	if p.MaxLayerRetries > 0 {
		cfg.MaxLayerRetries = p.MaxLayerRetries
	}
	if p.DefaultWUBudget > 0 {
		cfg.DefaultWUBudget = p.DefaultWUBudget
	}
}
