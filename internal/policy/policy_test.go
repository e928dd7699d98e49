package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guard-service/internal/models"
	"guard-service/internal/ratelimit"
)

const samplePolicy = `
rate_limits:
  comment:
    - name: comment
      max_attempts: 3
      window: 2m
      block_duration: 10m
  download:
    - name: download
      max_attempts: 20
      window: 1h
      block_duration: 15m
      jitter_fraction: 0.2
thresholds:
  auth_failure:
    count: 5
    window: 30m
    severity: critical
filter:
  benign_sources: [markdown_body]
  long_content_threshold: 2000
signatures:
  sql_injection:
    - "(?i)waitfor\\s+delay"
integrity:
  small_delta_bytes: 2048
  profiles:
    template: {sensitive: true}
  files:
    - {id: layout, path: /srv/templates/layout.html, type: template}
  watch: true
`

func TestParseMergesOverDefaults(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)

	require.Len(t, p.RateLimits["comment"], 1)
	assert.Equal(t, 3, p.RateLimits["comment"][0].MaxAttempts)
	assert.Equal(t, 2*time.Minute, p.RateLimits["comment"][0].Window)
	assert.Equal(t, 0.2, p.RateLimits["download"][0].JitterFraction)
	assert.Contains(t, p.RateLimits, ratelimit.DefaultAction)
	assert.Contains(t, p.RateLimits, "admin_login")

	assert.Equal(t, 5, p.Thresholds[models.CategoryAuthFailure].Count)
	assert.Equal(t, 30*time.Minute, p.Thresholds[models.CategoryAuthFailure].Window)
	assert.Equal(t, 1, p.Thresholds[models.CategoryXSSAttempt].Count)

	assert.Equal(t, []string{"markdown_body"}, p.Filter.BenignSources)
	assert.Equal(t, 2000, p.Filter.LongContentThreshold)
	assert.Len(t, p.Signatures[models.AttackSQLInjection], 1)

	assert.Equal(t, int64(2048), p.Integrity.SmallDeltaBytes)
	assert.Equal(t, int64(100*1024), p.Integrity.LargeDeltaBytes)
	assert.True(t, p.Integrity.Profiles["template"].Sensitive)
	assert.True(t, p.Integrity.Profiles[models.ResourceUserData].Trusted)
	assert.True(t, p.Integrity.Watch)

	resources := p.Resources()
	require.Len(t, resources, 1)
	assert.Equal(t, "layout", resources[0].ID)
	assert.Equal(t, models.ResourceType("template"), resources[0].Type)
}

func TestParseRejectsInvalidPolicy(t *testing.T) {
	tests := map[string]string{
		"bad yaml":        "rate_limits: [",
		"empty tiers":     "rate_limits:\n  comment: []\n",
		"zero attempts":   "rate_limits:\n  comment:\n    - {name: c, max_attempts: 0, window: 1m, block_duration: 1m}\n",
		"bad threshold":   "thresholds:\n  auth_failure: {count: 0, window: 1m, severity: error}\n",
		"bad signature":   "signatures:\n  xss: [\"(unclosed\"]\n",
		"unknown type":    "integrity:\n  files:\n    - {id: a, path: /a, type: firmware}\n",
		"missing path":    "integrity:\n  files:\n    - {id: a, type: content}\n",
		"duplicate files": "integrity:\n  files:\n    - {id: a, path: /a, type: content}\n    - {id: a, path: /b, type: content}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().RateLimits, p.RateLimits)

	p, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, p.Thresholds)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))
	p, err = Load(path)
	require.NoError(t, err)
	assert.Contains(t, p.RateLimits, "download")
}
