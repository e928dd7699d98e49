package detector

import (
	"fmt"
	"regexp"
	"sort"

	"guard-service/internal/models"
)

// Categories lists every category in scan order.
var Categories = []models.AttackCategory{
	models.AttackSQLInjection,
	models.AttackXSS,
	models.AttackPathTraversal,
	models.AttackCommandInjection,
	models.AttackLDAPInjection,
	models.AttackXMLInjection,
	models.AttackNoSQLInjection,
	models.AttackSSRF,
	models.AttackXXE,
	models.AttackPrototypePollution,
	models.AttackBruteForce,
}

var critical = map[models.AttackCategory]bool{
	models.AttackSQLInjection:     true,
	models.AttackXSS:              true,
	models.AttackCommandInjection: true,
}

// IsCritical reports whether a match in c always blocks.
func IsCritical(c models.AttackCategory) bool {
	return critical[c]
}

var builtinPatterns = map[models.AttackCategory][]string{
	models.AttackSQLInjection: {
		`(?i)\bunion\b[\s\S]*\bselect\b`,
		`(?i)\bselect\s+(\*|[\w.,()\s]+?)\s+from\s+[\w.\[\]"]+\s*(;|--|#|/\*|\)|$|\b(where|union|limit|order\s+by|group\s+by)\b)`,
		`(?i)\b(insert\s+into|delete\s+from|drop\s+(table|database)|truncate\s+table|alter\s+table)\b`,
		`(?i)'\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+`,
		`(?i)'\s*(or|and)\s+'[^']*'\s*=\s*'`,
		`(?i)'\s*(--|#|/\*)`,
		`(?i)(\b0x[0-9a-f]{8,}\b|\bchar\s*\(\s*\d+(\s*,\s*\d+)+\s*\))`,
		`(?i)(\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b)`,
		`(?i);\s*(drop\s+(table|database)|delete\s+from|update\s+\w+\s+set|insert\s+into|shutdown)\b`,
	},
	models.AttackXSS: {
		`(?i)<\s*script\b`,
		`(?i)<\s*(iframe|object|embed|applet|meta|base|svg)\b`,
		`(?i)javascript\s*:`,
		`(?i)vbscript\s*:`,
		`(?i)data\s*:\s*text/html`,
		`(?i)\bon(load|error|click|mouseover|focus|blur|submit|change|input|keydown|keyup|mouseenter|animationstart)\s*=`,
		`(?i)\b(eval|document\.write|document\.cookie|innerHTML|fromCharCode)\b`,
		`(?i)expression\s*\(`,
	},
	models.AttackPathTraversal: {
		`\.\.[/\\]`,
		`(?i)%2e%2e(%2f|%5c|/|\\)`,
		`(?i)(%252e%252e|%c0%ae|%c0%af|%c1%9c|\.\.%2f|\.\.%5c)`,
		`(?i)(/etc/(passwd|shadow|hosts)|/proc/self/|c:\\windows\\|boot\.ini|win\.ini)`,
		`(?i)%00`,
	},
	models.AttackCommandInjection: {
		`(?i)[;&|]\s*(cat|ls|id|whoami|uname|wget|curl|nc|netcat|bash|sh|python|perl|ping|rm|chmod|powershell|cmd)\b(\s+[-/.~$'"\d]|\s+https?://|\s*$|\s*[;&|>])`,
		"(?i)`\\s*(cat|ls|id|whoami|uname|wget|curl|nc|bash|sh|python|perl|ping|rm|chmod|echo)\\b[^`]*`|`[^`]*[;&|$<>][^`]*`",
		`\$\([^)]*\)`,
		`(?i)(\|\||&&)\s*(cat|ls|id|whoami|wget|curl|rm|sh|bash)\b`,
		`(?i)(%0a|%0d|\r|\n)\s*(cat|ls|id|whoami|wget|curl)\b`,
	},
	models.AttackLDAPInjection: {
		`\*\)\s*\(`,
		`\)\s*\(\s*[|&!]`,
		`\(\s*[|&]\s*\(\s*\w+\s*=`,
		`(?i)\b(objectclass|uid|cn|ou)\s*=\s*\*`,
	},
	models.AttackXMLInjection: {
		`(?i)<!\[CDATA\[`,
		`(?i)<\?xml\b`,
		`(?i)\bxmlns(:\w+)?\s*=`,
		`(?i)<\s*/?\s*(soap:envelope|xsl:|xi:include)`,
	},
	models.AttackNoSQLInjection: {
		`(?i)\$(where|ne|gt|gte|lt|lte|regex|in|nin|or|and|exists|expr)\b`,
		`(?i)\[\s*\$(ne|gt|lt|regex|where|exists)\s*\]`,
		`(?i)\bdb\.\w+\.(find|insert|remove|drop|update)\s*\(`,
		`(?i)\bthis\.\w+\s*(==|!=)`,
	},
	models.AttackSSRF: {
		`(?i)\bhttps?://(localhost|127\.\d+\.\d+\.\d+|0\.0\.0\.0|\[::1?\])`,
		`(?i)\bhttps?://(10\.\d+\.\d+\.\d+|192\.168\.\d+\.\d+|172\.(1[6-9]|2\d|3[01])\.\d+\.\d+)`,
		`(?i)\bhttps?://169\.254\.169\.254`,
		`(?i)\b(file|gopher|dict|ftp|ldap|tftp|jar|netdoc)://`,
	},
	models.AttackXXE: {
		`(?i)<!DOCTYPE[^>]*\[`,
		`(?i)<!ENTITY[^>]*\b(SYSTEM|PUBLIC)\b`,
		`(?i)<!ENTITY\s+%`,
		`(?i)<!DOCTYPE\s+\w+\s+(SYSTEM|PUBLIC)\b`,
	},
	models.AttackPrototypePollution: {
		`__proto__`,
		`(?i)constructor\s*(\.|\[\s*["']?)\s*prototype`,
		`(?i)\bObject\.prototype\b`,
	},
	models.AttackBruteForce: {
		`(?i)^\s*(admin|administrator|root|test|guest|user)\d*\s*$`,
		`(?i)\b(123456|password1?|qwerty|letmein|admin123)\b`,
		`(?i)(wp-login\.php|xmlrpc\.php|phpmyadmin|/\.env\b|/\.git/)`,
	},
}

// Library is the compiled, immutable signature set.
type Library struct {
	order      []models.AttackCategory
	signatures map[models.AttackCategory][]models.AttackSignature
}

// NewLibrary compiles the built-in signatures plus extra patterns per category.
// Extra categories not in Categories are appended to the scan order.
func NewLibrary(extra map[models.AttackCategory][]string) (*Library, error) {
	lib := &Library{
		order:      append([]models.AttackCategory(nil), Categories...),
		signatures: make(map[models.AttackCategory][]models.AttackSignature),
	}
	var added []models.AttackCategory
	for cat := range extra {
		if _, ok := builtinPatterns[cat]; !ok {
			added = append(added, cat)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	lib.order = append(lib.order, added...)

	for _, cat := range lib.order {
		patterns := append(append([]string(nil), builtinPatterns[cat]...), extra[cat]...)
		if len(patterns) == 0 {
			continue
		}
		sigs := make([]models.AttackSignature, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("invalid %s signature %q: %w", cat, p, err)
			}
			sigs = append(sigs, models.AttackSignature{
				Category: cat,
				Pattern:  re,
				Weight:   1 / float64(len(patterns)),
			})
		}
		lib.signatures[cat] = sigs
	}
	return lib, nil
}

// MustLibrary is NewLibrary for the built-in set, which always compiles.
func MustLibrary() *Library {
	lib, err := NewLibrary(nil)
	if err != nil {
		panic(err)
	}
	return lib
}

func (l *Library) Categories() []models.AttackCategory {
	return append([]models.AttackCategory(nil), l.order...)
}

func (l *Library) Signatures(cat models.AttackCategory) []models.AttackSignature {
	return l.signatures[cat]
}

// Size returns the total number of compiled patterns.
func (l *Library) Size() int {
	n := 0
	for _, s := range l.signatures {
		n += len(s)
	}
	return n
}
