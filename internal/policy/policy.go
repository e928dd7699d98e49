// Package policy loads the operator-tunable protection policy from YAML.
// Values in the file are laid over the built-in defaults: a rate limit
// action or threshold category named in the file replaces the default
// entry of the same name, and everything else is kept.
package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"guard-service/internal/detector"
	"guard-service/internal/eventlog"
	"guard-service/internal/integrity"
	"guard-service/internal/models"
	"guard-service/internal/ratelimit"
)

type Policy struct {
	RateLimits map[string][]ratelimit.Tier                 `yaml:"rate_limits"`
	Thresholds map[models.EventCategory]eventlog.Threshold `yaml:"thresholds"`
	Filter     eventlog.FilterConfig                       `yaml:"filter"`
	Signatures map[models.AttackCategory][]string          `yaml:"signatures"`
	Integrity  Integrity                                   `yaml:"integrity"`
}

type Integrity struct {
	integrity.Policy `yaml:",inline"`
	Files            []WatchedFile `yaml:"files"`
	Watch            bool          `yaml:"watch"`
}

// WatchedFile is a file-backed integrity resource.
type WatchedFile struct {
	ID   string              `yaml:"id"`
	Path string              `yaml:"path"`
	Type models.ResourceType `yaml:"type"`
}

func Default() *Policy {
	return &Policy{
		RateLimits: ratelimit.DefaultTiers(),
		Thresholds: eventlog.DefaultThresholds(),
		Filter: eventlog.FilterConfig{
			BenignSources:        eventlog.DefaultBenignSources(),
			LongContentThreshold: eventlog.DefaultLongContentThreshold,
		},
		Integrity: Integrity{Policy: integrity.DefaultPolicy()},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Policy, error) {
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	p.Integrity.Policy = p.Integrity.Policy.WithDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy validation failed: %w", err)
	}
	return p, nil
}

func (p *Policy) Validate() error {
	for action, tiers := range p.RateLimits {
		if len(tiers) == 0 {
			return fmt.Errorf("rate limit %s has no tiers", action)
		}
		for _, t := range tiers {
			if err := t.Validate(); err != nil {
				return fmt.Errorf("rate limit %s: %w", action, err)
			}
		}
	}
	for cat, th := range p.Thresholds {
		if err := th.Validate(); err != nil {
			return fmt.Errorf("threshold %s: %w", cat, err)
		}
	}
	if _, err := detector.NewLibrary(p.Signatures); err != nil {
		return err
	}
	if err := p.Integrity.Policy.Validate(); err != nil {
		return err
	}
	ids := make(map[string]bool, len(p.Integrity.Files))
	for _, f := range p.Integrity.Files {
		if f.ID == "" || f.Path == "" {
			return fmt.Errorf("integrity file entries need an id and a path")
		}
		if ids[f.ID] {
			return fmt.Errorf("duplicate integrity resource %s", f.ID)
		}
		ids[f.ID] = true
		if _, ok := p.Integrity.Profiles[f.Type]; !ok {
			return fmt.Errorf("integrity resource %s has unknown type %q", f.ID, f.Type)
		}
	}
	return nil
}

// Resources returns the file-backed integrity resources declared in the policy.
func (p *Policy) Resources() []integrity.Resource {
	out := make([]integrity.Resource, 0, len(p.Integrity.Files))
	for _, f := range p.Integrity.Files {
		out = append(out, integrity.Resource{
			ID:     f.ID,
			Type:   f.Type,
			Reader: &integrity.FileReader{Path: f.Path},
		})
	}
	return out
}
