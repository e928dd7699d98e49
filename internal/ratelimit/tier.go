package ratelimit

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultAction is the tier set used for actions with no configuration.
	DefaultAction = "api"

	defaultEscalationFactor = 2.0
	defaultMaxBlock         = 24 * time.Hour
	defaultJitterFraction   = 0.1

	progressiveBaseDelay = time.Second
	progressiveMaxDelay  = 30 * time.Second
)

// Tier is one independent limit protecting an action. Name is the derived
// action name the record is stored under (e.g. "comment_hourly").
type Tier struct {
	Name             string        `yaml:"name" json:"name"`
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`
	Window           time.Duration `yaml:"window" json:"window"`
	BlockDuration    time.Duration `yaml:"block_duration" json:"block_duration"`
	ProgressiveDelay bool          `yaml:"progressive_delay" json:"progressive_delay"`
	EscalationFactor float64       `yaml:"escalation_factor" json:"escalation_factor"`
	MaxBlockDuration time.Duration `yaml:"max_block_duration" json:"max_block_duration"`
	JitterFraction   float64       `yaml:"jitter_fraction" json:"jitter_fraction"`
}

func (t Tier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tier name is required")
	}
	if t.MaxAttempts <= 0 {
		return fmt.Errorf("tier %s: max_attempts must be positive", t.Name)
	}
	if t.Window <= 0 || t.BlockDuration <= 0 {
		return fmt.Errorf("tier %s: window and block_duration must be positive", t.Name)
	}
	if t.JitterFraction < 0 || t.JitterFraction > 1 {
		return fmt.Errorf("tier %s: jitter_fraction must be within [0,1]", t.Name)
	}
	return nil
}

// BaseBlock returns the unjittered block for the given violation count:
// BlockDuration * factor^(v-1), capped at MaxBlockDuration.
func (t Tier) BaseBlock(violations int) time.Duration {
	if violations < 1 {
		violations = 1
	}
	factor := t.EscalationFactor
	if factor < 1 {
		factor = 1
	}
	limit := t.MaxBlockDuration
	if limit <= 0 {
		limit = defaultMaxBlock
	}
	if limit < t.BlockDuration {
		limit = t.BlockDuration
	}

	scaled := float64(t.BlockDuration) * math.Pow(factor, float64(violations-1))
	if math.IsInf(scaled, 0) || scaled > float64(limit) {
		return limit
	}
	return time.Duration(scaled)
}

// JitterCeiling bounds the random extension of the block for the given
// violation count. The jittered block never reaches past the next base
// block, so blocks stay monotonic and a capped block gets no jitter.
func (t Tier) JitterCeiling(violations int) time.Duration {
	if t.JitterFraction <= 0 {
		return 0
	}
	base := t.BaseBlock(violations)
	ceiling := time.Duration(float64(base) * t.JitterFraction)
	if headroom := t.BaseBlock(violations+1) - base; headroom < ceiling {
		ceiling = headroom
	}
	return ceiling
}

// RecordTTL keeps a record alive through the longest possible block plus
// one window, so violation counts decay instead of vanishing mid-block.
func (t Tier) RecordTTL() time.Duration {
	longest := t.MaxBlockDuration
	if longest < t.BlockDuration {
		longest = t.BlockDuration
	}
	longest += time.Duration(float64(longest) * t.JitterFraction)
	if longest < t.Window {
		longest = t.Window
	}
	return longest + t.Window
}

// ProgressiveDelayFor returns min(2^(v-1)s, 30s), or 0 when v is 0.
func ProgressiveDelayFor(violations int) time.Duration {
	if violations <= 0 {
		return 0
	}
	if violations > 6 {
		return progressiveMaxDelay
	}
	d := progressiveBaseDelay << uint(violations-1)
	if d > progressiveMaxDelay {
		return progressiveMaxDelay
	}
	return d
}

func withDefaults(t Tier) Tier {
	if t.EscalationFactor == 0 {
		t.EscalationFactor = defaultEscalationFactor
	}
	if t.MaxBlockDuration == 0 {
		t.MaxBlockDuration = defaultMaxBlock
	}
	return t
}

func tier(name string, max int, window, block time.Duration) Tier {
	return Tier{
		Name:             name,
		MaxAttempts:      max,
		Window:           window,
		BlockDuration:    block,
		EscalationFactor: defaultEscalationFactor,
		MaxBlockDuration: defaultMaxBlock,
		JitterFraction:   defaultJitterFraction,
	}
}

// DefaultTiers returns the built-in action table.
func DefaultTiers() map[string][]Tier {
	adminLogin := tier("admin_login", 3, 15*time.Minute, 30*time.Minute)
	adminLogin.ProgressiveDelay = true

	return map[string][]Tier{
		"comment": {
			tier("comment", 5, time.Minute, 5*time.Minute),
			tier("comment_hourly", 50, time.Hour, 30*time.Minute),
		},
		"newsletter_signup": {tier("newsletter_signup", 1, time.Minute, 10*time.Minute)},
		"admin_login":       {adminLogin},
		"contact_form":      {tier("contact_form", 2, time.Minute, 5*time.Minute)},
		DefaultAction:       {tier(DefaultAction, 100, time.Minute, 5*time.Minute)},
	}
}
