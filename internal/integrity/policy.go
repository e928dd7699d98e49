package integrity

import (
	"fmt"

	"guard-service/internal/models"
)

// TypeProfile describes how changes to one resource type are judged.
type TypeProfile struct {
	Sensitive            bool `yaml:"sensitive" json:"sensitive"`
	Trusted              bool `yaml:"trusted" json:"trusted"`
	SmallDeltaAuthorized bool `yaml:"small_delta_authorized" json:"small_delta_authorized"`
}

// Policy holds the classification thresholds and the authorization heuristic.
type Policy struct {
	Profiles            map[models.ResourceType]TypeProfile `yaml:"profiles" json:"profiles"`
	LargeDeltaBytes     int64                               `yaml:"large_delta_bytes" json:"large_delta_bytes"`
	SensitiveDeltaBytes int64                               `yaml:"sensitive_delta_bytes" json:"sensitive_delta_bytes"`
	SmallDeltaBytes     int64                               `yaml:"small_delta_bytes" json:"small_delta_bytes"`
	ItemCountDelta      int                                 `yaml:"item_count_delta" json:"item_count_delta"`
	SuspiciousPercent   float64                             `yaml:"suspicious_percent" json:"suspicious_percent"`
	DefaultAuthorized   bool                                `yaml:"default_authorized" json:"default_authorized"`
}

func DefaultProfiles() map[models.ResourceType]TypeProfile {
	return map[models.ResourceType]TypeProfile{
		models.ResourceUserData:       {Trusted: true},
		models.ResourceKVStore:        {SmallDeltaAuthorized: true},
		models.ResourceConfiguration:  {Sensitive: true},
		models.ResourceExecutableCode: {Sensitive: true},
		models.ResourceContent:        {},
	}
}

func DefaultPolicy() Policy {
	return Policy{
		Profiles:            DefaultProfiles(),
		LargeDeltaBytes:     100 * 1024,
		SensitiveDeltaBytes: 100,
		SmallDeltaBytes:     1024,
		ItemCountDelta:      10,
		SuspiciousPercent:   50,
	}
}

// WithDefaults fills zero thresholds and adds default profiles for types
// the policy does not mention.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	profiles := make(map[models.ResourceType]TypeProfile, len(d.Profiles)+len(p.Profiles))
	for t, prof := range d.Profiles {
		profiles[t] = prof
	}
	for t, prof := range p.Profiles {
		profiles[t] = prof
	}
	p.Profiles = profiles
	if p.LargeDeltaBytes <= 0 {
		p.LargeDeltaBytes = d.LargeDeltaBytes
	}
	if p.SensitiveDeltaBytes <= 0 {
		p.SensitiveDeltaBytes = d.SensitiveDeltaBytes
	}
	if p.SmallDeltaBytes <= 0 {
		p.SmallDeltaBytes = d.SmallDeltaBytes
	}
	if p.ItemCountDelta <= 0 {
		p.ItemCountDelta = d.ItemCountDelta
	}
	if p.SuspiciousPercent <= 0 {
		p.SuspiciousPercent = d.SuspiciousPercent
	}
	return p
}

func (p Policy) Validate() error {
	for t, prof := range p.Profiles {
		if prof.Sensitive && prof.Trusted {
			return fmt.Errorf("resource type %s cannot be both sensitive and trusted", t)
		}
	}
	if p.SensitiveDeltaBytes > p.LargeDeltaBytes {
		return fmt.Errorf("sensitive delta %d exceeds large delta %d", p.SensitiveDeltaBytes, p.LargeDeltaBytes)
	}
	return nil
}
