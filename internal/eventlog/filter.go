package eventlog

import (
	"encoding/json"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const DefaultLongContentThreshold = 1000

// Suppression reasons recorded on detector events.
const (
	ReasonBenignSource = "benign_source"
	ReasonLongContent  = "long_content"
	ReasonSafeContent  = "safe_content"
)

var safeTextPattern = regexp.MustCompile(`^[\p{L}\p{N}\s.,!?'":;()\-]+$`)

func DefaultBenignSources() []string {
	return []string{"article_content", "comment_body", "search_query", "form_payload", "api_payload"}
}

type FilterConfig struct {
	BenignSources        []string `yaml:"benign_sources"`
	LongContentThreshold int      `yaml:"long_content_threshold"`
}

// Filter decides whether a detector match is likely a false positive.
type Filter struct {
	benign        map[string]struct{}
	longThreshold int
}

type Suppression struct {
	Suppressed bool
	Reason     string
}

func NewFilter(cfg FilterConfig) *Filter {
	sources := cfg.BenignSources
	if sources == nil {
		sources = DefaultBenignSources()
	}
	f := &Filter{
		benign:        make(map[string]struct{}, len(sources)),
		longThreshold: cfg.LongContentThreshold,
	}
	if f.longThreshold <= 0 {
		f.longThreshold = DefaultLongContentThreshold
	}
	for _, s := range sources {
		f.benign[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return f
}

func (f *Filter) LongContentThreshold() int {
	return f.longThreshold
}

// Evaluate checks, in order, the source label, the input length and the
// safe-content patterns.
func (f *Filter) Evaluate(input, source string) Suppression {
	if _, ok := f.benign[strings.ToLower(source)]; ok && source != "" {
		return Suppression{Suppressed: true, Reason: ReasonBenignSource}
	}
	if utf8.RuneCountInString(input) > f.longThreshold {
		return Suppression{Suppressed: true, Reason: ReasonLongContent}
	}
	if isSafeContent(input) {
		return Suppression{Suppressed: true, Reason: ReasonSafeContent}
	}
	return Suppression{}
}

func isSafeContent(input string) bool {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return false
	}
	if safeTextPattern.MatchString(trimmed) {
		return true
	}
	if (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return true
	}
	return isPublicURL(trimmed)
}

// isPublicURL accepts well-formed http(s) URLs naming a public host.
// IP literals and localhost are rejected so SSRF probes are not waved through.
func isPublicURL(s string) bool {
	if strings.ContainsAny(s, " \t\r\n<>\"'`") {
		return false
	}
	u, err := url.ParseRequestURI(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "" || strings.EqualFold(host, "localhost") || net.ParseIP(host) != nil {
		return false
	}
	return strings.Contains(host, ".")
}
