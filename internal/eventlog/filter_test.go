package eventlog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterEvaluate(t *testing.T) {
	f := NewFilter(FilterConfig{LongContentThreshold: 50})

	tests := []struct {
		name   string
		input  string
		source string
		want   Suppression
	}{
		{"benign source", "<script>x</script>", "comment_body", Suppression{true, ReasonBenignSource}},
		{"benign source is case insensitive", "<b>", "Search_Query", Suppression{true, ReasonBenignSource}},
		{"long content", strings.Repeat("a<", 30), "profile", Suppression{true, ReasonLongContent}},
		{"plain text", "Hello there, how are you? (fine)", "profile", Suppression{true, ReasonSafeContent}},
		{"json object", `{"name": "x", "tags": ["a", "b"]}`, "profile", Suppression{true, ReasonSafeContent}},
		{"public url", "https://example.com/path?q=1", "profile", Suppression{true, ReasonSafeContent}},
		{"angle brackets", "<img src=x>", "profile", Suppression{}},
		{"sql operators", "' OR 1=1 --", "profile", Suppression{}},
		{"loopback url", "http://127.0.0.1/admin", "profile", Suppression{}},
		{"localhost url", "http://localhost:8080/", "profile", Suppression{}},
		{"broken json", `{"a": `, "profile", Suppression{}},
		{"empty", "", "profile", Suppression{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.Evaluate(tc.input, tc.source))
		})
	}
}

func TestFilterDefaults(t *testing.T) {
	f := NewFilter(FilterConfig{})
	assert.Equal(t, DefaultLongContentThreshold, f.LongContentThreshold())
	for _, s := range DefaultBenignSources() {
		assert.True(t, f.Evaluate("<x>", s).Suppressed, s)
	}

	custom := NewFilter(FilterConfig{BenignSources: []string{}})
	assert.False(t, custom.Evaluate("<x>", "comment_body").Suppressed)
}
