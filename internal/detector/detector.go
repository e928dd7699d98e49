package detector

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"guard-service/internal/eventlog"
	"guard-service/internal/metrics"
	"guard-service/internal/models"
	"guard-service/internal/util"
)

const (
	ExcerptLength = 200

	blockThreshold     = 0.7
	maxCacheableLength = 4096
)

// Recorder receives the security events produced by the detector.
type Recorder interface {
	Append(event models.SecurityEvent) *models.Alert
}

type Verdict struct {
	IsAttack        bool                              `json:"is_attack"`
	Categories      []models.AttackCategory           `json:"categories"`
	Confidence      float64                           `json:"confidence"`
	CategoryScores  map[models.AttackCategory]float64 `json:"category_scores,omitempty"`
	MatchedPatterns []string                          `json:"matched_patterns"`
	ShouldBlock     bool                              `json:"should_block"`
	Suppressed      bool                              `json:"suppressed,omitempty"`
	SuppressReason  string                            `json:"suppress_reason,omitempty"`
	Recommendation  string                            `json:"recommendation"`
	Flagged         bool                              `json:"flagged,omitempty"`
}

type ValidationResult struct {
	Valid     bool    `json:"valid"`
	Sanitized string  `json:"sanitized"`
	Verdict   Verdict `json:"verdict"`
}

type Options struct {
	Library   *Library
	Filter    *eventlog.Filter
	Recorder  Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	CacheSize int
	Now       func() time.Time
}

type Detector struct {
	library  *Library
	filter   *eventlog.Filter
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cache    *lru.Cache[string, Verdict]
	now      func() time.Time
}

func NewDetector(opts Options) (*Detector, error) {
	d := &Detector{
		library:  opts.Library,
		filter:   opts.Filter,
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if d.library == nil {
		lib, err := NewLibrary(nil)
		if err != nil {
			return nil, err
		}
		d.library = lib
	}
	if d.filter == nil {
		d.filter = eventlog.NewFilter(eventlog.FilterConfig{})
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, Verdict](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create verdict cache: %w", err)
		}
		d.cache = cache
	}
	return d, nil
}

func (d *Detector) Library() *Library {
	return d.library
}

// Detect scans input against every category.
func (d *Detector) Detect(input, source string) Verdict {
	return d.scan("", input, source, d.library.order)
}

// DetectFor is Detect with the resulting events attributed to actorID.
func (d *Detector) DetectFor(actorID, input, source string) Verdict {
	return d.scan(actorID, input, source, d.library.order)
}

// DetectCategory scans input against a single category.
func (d *Detector) DetectCategory(input, source string, cat models.AttackCategory) Verdict {
	return d.DetectCategoryFor("", input, source, cat)
}

// DetectCategoryFor is DetectCategory with events attributed to actorID.
func (d *Detector) DetectCategoryFor(actorID, input, source string, cat models.AttackCategory) Verdict {
	return d.scan(actorID, input, source, []models.AttackCategory{cat})
}

func (d *Detector) CheckSQLInjection(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackSQLInjection)
}

func (d *Detector) CheckXSS(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackXSS)
}

func (d *Detector) CheckPathTraversal(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackPathTraversal)
}

func (d *Detector) CheckCommandInjection(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackCommandInjection)
}

func (d *Detector) CheckLDAPInjection(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackLDAPInjection)
}

func (d *Detector) CheckXMLInjection(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackXMLInjection)
}

func (d *Detector) CheckNoSQLInjection(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackNoSQLInjection)
}

func (d *Detector) CheckSSRF(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackSSRF)
}

func (d *Detector) CheckXXE(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackXXE)
}

func (d *Detector) CheckPrototypePollution(input, source string) Verdict {
	return d.DetectCategory(input, source, models.AttackPrototypePollution)
}

// Sanitize trims and HTML-escapes input.
func (d *Detector) Sanitize(input string) string {
	return util.SanitizeInput(input)
}

// Validate runs a full scan and returns the sanitized form alongside it.
func (d *Detector) Validate(input, source string) ValidationResult {
	return d.ValidateFor("", input, source)
}

func (d *Detector) ValidateFor(actorID, input, source string) ValidationResult {
	v := d.DetectFor(actorID, input, source)
	return ValidationResult{
		Valid:     !v.ShouldBlock && !v.Flagged,
		Sanitized: d.Sanitize(input),
		Verdict:   v,
	}
}

func (d *Detector) scan(actorID, input, source string, cats []models.AttackCategory) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Detector panic recovered", zap.String("source", source), zap.Any("panic", r))
			v = Verdict{
				Flagged:         true,
				Categories:      []models.AttackCategory{},
				MatchedPatterns: []string{},
				Recommendation:  "review: detector failure, input was not fully scanned",
			}
			d.record(models.SecurityEvent{
				Category: models.CategoryValidationError,
				Severity: models.SeverityWarning,
				Message:  "attack detector failure",
				ActorID:  actorID,
				Details: models.EventDetails{Detection: &models.DetectionDetails{
					Source:       source,
					InputExcerpt: util.Excerpt(input, ExcerptLength),
					InputLength:  utf8.RuneCountInString(input),
				}},
			})
		}
	}()

	if strings.TrimSpace(input) == "" {
		return Verdict{
			Categories:      []models.AttackCategory{},
			MatchedPatterns: []string{},
			Recommendation:  "allow",
		}
	}

	key := ""
	if d.cache != nil && len(input) <= maxCacheableLength {
		key = cacheKey(input, source, cats)
		if cached, ok := d.cache.Get(key); ok {
			d.emit(cached, actorID, input, source)
			return cloneVerdict(cached)
		}
	}

	v = d.evaluate(input, source, cats)
	if key != "" {
		d.cache.Add(key, v)
	}
	d.emit(v, actorID, input, source)
	return cloneVerdict(v)
}

func cacheKey(input, source string, cats []models.AttackCategory) string {
	var b strings.Builder
	b.Grow(len(input) + len(source) + 16*len(cats))
	for _, c := range cats {
		b.WriteString(string(c))
		b.WriteByte(',')
	}
	b.WriteByte(0)
	b.WriteString(source)
	b.WriteByte(0)
	b.WriteString(input)
	return b.String()
}

func (d *Detector) evaluate(input, source string, cats []models.AttackCategory) Verdict {
	v := Verdict{
		Categories:      []models.AttackCategory{},
		MatchedPatterns: []string{},
		CategoryScores:  make(map[models.AttackCategory]float64),
	}

	scanned := 0
	total := 0.0
	criticalHit := false
	strongHit := false
	for _, cat := range cats {
		sigs := d.library.signatures[cat]
		if len(sigs) == 0 {
			continue
		}
		scanned++
		matched := 0
		for _, sig := range sigs {
			if sig.Pattern.MatchString(input) {
				matched++
				v.MatchedPatterns = append(v.MatchedPatterns, sig.Pattern.String())
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(len(sigs))
		v.Categories = append(v.Categories, cat)
		v.CategoryScores[cat] = score
		total += score
		if IsCritical(cat) {
			criticalHit = true
		} else if score > blockThreshold {
			strongHit = true
		}
	}

	if len(v.Categories) == 0 {
		v.CategoryScores = nil
		v.Recommendation = "allow"
		return v
	}

	v.IsAttack = true
	v.Confidence = total / float64(scanned)

	sup := d.filter.Evaluate(input, source)
	v.Suppressed = sup.Suppressed
	v.SuppressReason = sup.Reason
	v.ShouldBlock = criticalHit || (strongHit && !sup.Suppressed)

	switch {
	case v.ShouldBlock:
		v.Recommendation = fmt.Sprintf("block: %s signatures matched", joinCategories(v.Categories))
	case v.Suppressed:
		v.Recommendation = fmt.Sprintf("allow: matches treated as false positive (%s)", sup.Reason)
	default:
		v.Recommendation = "review: low-confidence match, sanitize before storing"
	}
	return v
}

// emit appends one event per matched category.
func (d *Detector) emit(v Verdict, actorID, input, source string) {
	if !v.IsAttack {
		return
	}
	excerpt := util.Excerpt(input, ExcerptLength)
	for _, cat := range v.Categories {
		d.metrics.ObserveDetection(string(cat), v.ShouldBlock)

		category, severity := eventFor(cat)
		if v.Suppressed {
			severity = severity.Cap(models.SeverityWarning)
		}
		d.record(models.SecurityEvent{
			Category: category,
			Severity: severity,
			Message:  fmt.Sprintf("%s signature matched in %s", cat, sourceLabel(source)),
			ActorID:  actorID,
			Details: models.EventDetails{Detection: &models.DetectionDetails{
				AttackCategory:    cat,
				Source:            source,
				InputExcerpt:      excerpt,
				InputLength:       utf8.RuneCountInString(input),
				MatchedPatterns:   patternsFor(d.library.signatures[cat], v.MatchedPatterns),
				Confidence:        v.CategoryScores[cat],
				Suppressed:        v.Suppressed,
				SuppressionReason: v.SuppressReason,
			}},
		})
	}

	if v.ShouldBlock {
		d.logger.Warn("Attack input blocked",
			zap.String("source", source),
			zap.Strings("categories", categoryStrings(v.Categories)),
			zap.Float64("confidence", v.Confidence))
	}
}

func eventFor(cat models.AttackCategory) (models.EventCategory, models.Severity) {
	switch cat {
	case models.AttackXSS:
		return models.CategoryXSSAttempt, models.SeverityCritical
	case models.AttackSQLInjection, models.AttackCommandInjection, models.AttackLDAPInjection,
		models.AttackXMLInjection, models.AttackNoSQLInjection, models.AttackXXE:
		return models.CategoryInjectionAttempt, models.SeverityCritical
	default:
		return models.CategorySuspiciousPattern, models.SeverityWarning
	}
}

func patternsFor(sigs []models.AttackSignature, matched []string) []string {
	set := make(map[string]struct{}, len(matched))
	for _, m := range matched {
		set[m] = struct{}{}
	}
	var out []string
	for _, s := range sigs {
		if _, ok := set[s.Pattern.String()]; ok {
			out = append(out, s.Pattern.String())
		}
	}
	return out
}

func (d *Detector) record(ev models.SecurityEvent) {
	if d.recorder == nil {
		return
	}
	ev.Origin = models.OriginDetector
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now().UTC()
	}
	d.recorder.Append(ev)
}

func sourceLabel(source string) string {
	if source == "" {
		return "input"
	}
	return source
}

func categoryStrings(cats []models.AttackCategory) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

func joinCategories(cats []models.AttackCategory) string {
	return strings.Join(categoryStrings(cats), ", ")
}

func cloneVerdict(v Verdict) Verdict {
	v.Categories = append([]models.AttackCategory{}, v.Categories...)
	v.MatchedPatterns = append([]string{}, v.MatchedPatterns...)
	if v.CategoryScores != nil {
		scores := make(map[models.AttackCategory]float64, len(v.CategoryScores))
		for k, s := range v.CategoryScores {
			scores[k] = s
		}
		v.CategoryScores = scores
	}
	return v
}
