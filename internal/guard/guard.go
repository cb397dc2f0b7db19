// Package guard screens text that is replayed into agent prompts for
// prompt-injection patterns.
package guard

import (
	"fmt"
	"strings"

	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"
)

// DefaultRiskThreshold is the score at which text is considered unsafe.
const DefaultRiskThreshold = 30

// Категории обнаруженных паттернов
const (
	CategoryRole      = "role_manipulation"
	CategoryInjection = "direct_injection"
	CategoryEncoded   = "encoded_injection"
	CategoryHijack    = "context_hijacking"
	CategoryDelimiter = "delimiter_attack"
	CategoryControl   = "control_chars"
)

type pattern struct {
	re       *re2.Regexp
	category string
	weight   int
}

var patterns = []pattern{
	{re2.MustCompile(`(?i)(system|assistant|user)\s*:\s*`), CategoryRole, 20},
	{re2.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|rules?|prompts?)`), CategoryRole, 30},
	{re2.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior)\s+(instructions?|rules?|prompts?)`), CategoryRole, 30},
	{re2.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+(assistant|system|ai|expert)`), CategoryRole, 25},
	{re2.MustCompile(`(?i)new\s+instructions?\s*:`), CategoryInjection, 25},
	{re2.MustCompile(`(?i)override\s+(previous|prior|default|system)\s+(instructions?|rules?)`), CategoryInjection, 25},
	{re2.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`), CategoryEncoded, 15},
	{re2.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}]`), CategoryEncoded, 20},
	{re2.MustCompile(`(?i)(?:debug\s+mode|developer\s+mode)[:\s]`), CategoryHijack, 20},
	{re2.MustCompile(`(?i)\{\{[^}]*(?:system|exec|eval|import)[^}]*\}\}`), CategoryDelimiter, 30},
	{re2.MustCompile(`<\|(?:system|assistant|user|im_start|im_end)[^|]*\|>`), CategoryDelimiter, 25},
	{re2.MustCompile(`(?i)</?\s*(system|assistant|instructions?)\s*>`), CategoryDelimiter, 25},
}

// Config holds guard settings.
type Config struct {
	RiskThreshold int
}

// Guard scores text against known injection patterns.
type Guard struct {
	threshold int
}

// New creates a Guard. A zero threshold uses DefaultRiskThreshold.
func New(cfg Config) *Guard {
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = DefaultRiskThreshold
	}
	return &Guard{threshold: cfg.RiskThreshold}
}

// Result is the outcome of screening one text.
type Result struct {
	Safe       bool
	RiskScore  int
	Categories []string
}

// String renders the result for logs.
func (r Result) String() string {
	if r.Safe {
		return "safe"
	}
	return fmt.Sprintf("risk %d (%s)", r.RiskScore, strings.Join(r.Categories, ", "))
}

// Screen scores content. Text is unsafe once its score reaches the threshold.
func (g *Guard) Screen(content string) Result {
	res := Result{Safe: true}
	if content == "" {
		return res
	}

	normalized := normalize(content)
	seen := make(map[string]bool)
	for _, p := range patterns {
		if !p.re.MatchString(normalized) {
			continue
		}
		res.RiskScore += p.weight
		if !seen[p.category] {
			seen[p.category] = true
			res.Categories = append(res.Categories, p.category)
		}
	}

	if ratio := float64(countControl(content)) / float64(len(content)+1); ratio > 0.1 {
		res.RiskScore += 25
		res.Categories = append(res.Categories, CategoryControl)
	}

	res.Safe = res.RiskScore < g.threshold
	return res
}

// Redact replaces every matched pattern in content with [REDACTED].
func Redact(content string) string {
	for _, p := range patterns {
		content = p.re.ReplaceAllString(content, "[REDACTED]")
	}
	return content
}

// Clean returns content unchanged when it is safe, the redacted text when
// redaction makes it safe, and a placeholder otherwise.
func (g *Guard) Clean(content string) (string, Result) {
	res := g.Screen(content)
	if res.Safe {
		return content, res
	}

	redacted := Redact(content)
	if g.Screen(redacted).Safe {
		return redacted, res
	}
	return fmt.Sprintf("[WITHHELD - %s]", res), res
}

func countControl(s string) int {
	n := 0
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			n++
		}
	}
	return n
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKC.String(s) {
		if r >= 32 || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}
