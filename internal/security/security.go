// Package security implements prompt-injection and data-exfiltration scanning
// for inbound chat messages. A Scanner is configured with one named Policy
// (strict, balanced, permissive) fixing per-threat match thresholds and
// actions; Scan runs every pattern family once and returns the detected
// threats alongside a sanitized copy of the text.
package security

import (
	"regexp"
	"sort"
	"strings"

	gateway "github.com/waddleai/waddlegate/internal"
)

// Action is what the pipeline should do about a detected threat.
type Action string

const (
	ActionLog      Action = "log"
	ActionSanitize Action = "sanitize"
	ActionBlock    Action = "block"
)

// Severity is a coarse ranking used for SecurityEvent reporting and for the
// "escalate one step on >=5 matches" rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	default:
		return s
	}
}

// Threat is a single detected pattern family match.
type Threat struct {
	Kind       gateway.ThreatType
	Severity   Severity
	Confidence float64
	Action     Action
	MatchCount int
}

// Policy fixes the thresholds and actions a Scanner enforces.
type Policy struct {
	Name          string
	MaxPromptLen  int
	MinMatches    map[gateway.ThreatType]int
	Actions       map[gateway.ThreatType]Action
	BaseSeverity  map[gateway.ThreatType]Severity
}

// Policies holds the three named policies selectable via the
// security-policy configuration value.
var Policies = map[string]Policy{
	"strict": {
		Name:         "strict",
		MaxPromptLen: 8000,
		MinMatches: map[gateway.ThreatType]int{
			gateway.ThreatInstructionOverride: 1,
			gateway.ThreatJailbreak:           1,
			gateway.ThreatModelExfiltration:   1,
			gateway.ThreatFormatLeakage:       1,
			gateway.ThreatCredentialLeakage:   1,
		},
		Actions: map[gateway.ThreatType]Action{
			gateway.ThreatInstructionOverride: ActionBlock,
			gateway.ThreatJailbreak:           ActionBlock,
			gateway.ThreatModelExfiltration:   ActionBlock,
			gateway.ThreatFormatLeakage:       ActionBlock,
			gateway.ThreatCredentialLeakage:   ActionBlock,
		},
		BaseSeverity: map[gateway.ThreatType]Severity{
			gateway.ThreatInstructionOverride: SeverityHigh,
			gateway.ThreatJailbreak:           SeverityMedium,
			gateway.ThreatModelExfiltration:   SeverityHigh,
			gateway.ThreatFormatLeakage:       SeverityMedium,
			gateway.ThreatCredentialLeakage:   SeverityCritical,
		},
	},
	"balanced": {
		Name:         "balanced",
		MaxPromptLen: 16000,
		MinMatches: map[gateway.ThreatType]int{
			gateway.ThreatInstructionOverride: 1,
			gateway.ThreatJailbreak:           1,
			gateway.ThreatModelExfiltration:   1,
			gateway.ThreatFormatLeakage:       2,
			gateway.ThreatCredentialLeakage:   1,
		},
		Actions: map[gateway.ThreatType]Action{
			gateway.ThreatInstructionOverride: ActionBlock,
			gateway.ThreatJailbreak:           ActionSanitize,
			gateway.ThreatModelExfiltration:   ActionBlock,
			gateway.ThreatFormatLeakage:       ActionSanitize,
			gateway.ThreatCredentialLeakage:   ActionBlock,
		},
		BaseSeverity: map[gateway.ThreatType]Severity{
			gateway.ThreatInstructionOverride: SeverityHigh,
			gateway.ThreatJailbreak:           SeverityMedium,
			gateway.ThreatModelExfiltration:   SeverityHigh,
			gateway.ThreatFormatLeakage:       SeverityLow,
			gateway.ThreatCredentialLeakage:   SeverityCritical,
		},
	},
	"permissive": {
		Name:         "permissive",
		MaxPromptLen: 32000,
		MinMatches: map[gateway.ThreatType]int{
			gateway.ThreatInstructionOverride: 2,
			gateway.ThreatJailbreak:           2,
			gateway.ThreatModelExfiltration:   1,
			gateway.ThreatFormatLeakage:       3,
			gateway.ThreatCredentialLeakage:   1,
		},
		Actions: map[gateway.ThreatType]Action{
			gateway.ThreatInstructionOverride: ActionSanitize,
			gateway.ThreatJailbreak:           ActionLog,
			gateway.ThreatModelExfiltration:   ActionSanitize,
			gateway.ThreatFormatLeakage:       ActionLog,
			gateway.ThreatCredentialLeakage:   ActionBlock,
		},
		BaseSeverity: map[gateway.ThreatType]Severity{
			gateway.ThreatInstructionOverride: SeverityMedium,
			gateway.ThreatJailbreak:           SeverityLow,
			gateway.ThreatModelExfiltration:   SeverityMedium,
			gateway.ThreatFormatLeakage:       SeverityLow,
			gateway.ThreatCredentialLeakage:   SeverityHigh,
		},
	},
}

// patternFamily groups the regexes that detect one threat kind.
type patternFamily struct {
	kind     gateway.ThreatType
	patterns []*regexp.Regexp
}

// families holds the design-level pattern sets for each threat kind.
// Patterns are intentionally broad: the threshold (Policy.MinMatches)
// rather than pattern precision is what tunes detection per policy.
var families = []patternFamily{
	{
		kind: gateway.ThreatInstructionOverride,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(all\s+)?(the\s+)?(previous|prior|above|preceding)\s+(instructions?|prompts?|rules?)`),
			regexp.MustCompile(`(?i)disregard\s+(all\s+)?(the\s+)?(previous|prior|above)\s+(instructions?|rules?)`),
			regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(you\s+)?(were\s+)?told`),
			regexp.MustCompile(`(?i)new\s+system\s+(prompt|instructions?|directive)\s*:`),
			regexp.MustCompile(`(?i)from\s+now\s+on\s*,?\s*you\s+(are|will|must)`),
		},
	},
	{
		kind: gateway.ThreatJailbreak,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)pretend\s+(that\s+)?you\s+are`),
			regexp.MustCompile(`(?i)bypass\s+(your\s+)?(guidelines|restrictions|safety|filters?)`),
			regexp.MustCompile(`(?i)act\s+as\s+(an?\s+)?(unrestricted|unfiltered|uncensored|jailbroken)`),
			regexp.MustCompile(`(?i)hypothetically,?\s+if\s+you\s+(had\s+no|could)`),
			regexp.MustCompile(`(?i)in\s+a\s+fictional\s+world\s+where\s+(there\s+are\s+)?no\s+rules`),
			regexp.MustCompile(`(?i)DAN\s+mode`),
		},
	},
	{
		kind: gateway.ThreatModelExfiltration,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)reveal\s+your\s+(system\s+prompt|instructions?)`),
			regexp.MustCompile(`(?i)print\s+your\s+(system\s+prompt|instructions?|configuration)`),
			regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+prompt|instructions?|initial\s+prompt)`),
			regexp.MustCompile(`(?i)repeat\s+(the\s+)?(words?|text)\s+above`),
			regexp.MustCompile(`(?i)output\s+everything\s+(above|before)\s+this`),
		},
	},
	{
		kind: gateway.ThreatFormatLeakage,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<\|(system|user|assistant|im_start|im_end)\|>`),
			regexp.MustCompile(`(?i)\[(system|user|assistant)\]\s*:`),
			regexp.MustCompile(`(?i)###\s*(system|instruction)\s*:`),
			regexp.MustCompile(`(?i)<<SYS>>|<</SYS>>`),
		},
	},
	{
		kind: gateway.ThreatCredentialLeakage,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
			regexp.MustCompile(`(?i)AKIA[0-9A-Z]{16}`),
			regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{12,}`),
			regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), // JWT-shaped
		},
	},
}

const redactedPlaceholder = "[redacted]"

// Scanner runs one Policy's pattern families against prompt text.
type Scanner struct {
	policy Policy
}

// NewScanner returns a Scanner for the named policy ("strict", "balanced",
// "permissive"). An unrecognized name falls back to "balanced".
func NewScanner(policyName string) *Scanner {
	p, ok := Policies[policyName]
	if !ok {
		p = Policies["balanced"]
	}
	return &Scanner{policy: p}
}

// PolicyName reports the scanner's configured policy.
func (s *Scanner) PolicyName() string { return s.policy.Name }

// Scan concatenates all message contents, matches every pattern family, and
// returns the detected threats plus a sanitized copy of the text with every
// sanitize-action span replaced by a redacted placeholder. An over-length
// prompt short-circuits to a single medium-severity block threat without
// running the pattern families.
func (s *Scanner) Scan(text string) ([]Threat, string) {
	if len(text) > s.policy.MaxPromptLen {
		return []Threat{{
			Kind:       "over_length",
			Severity:   SeverityMedium,
			Confidence: 1,
			Action:     ActionBlock,
			MatchCount: 1,
		}}, text
	}

	var threats []Threat
	sanitized := text

	for _, fam := range families {
		var spans [][2]int
		for _, re := range fam.patterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				spans = append(spans, [2]int{loc[0], loc[1]})
			}
		}
		count := len(spans)
		min := s.policy.MinMatches[fam.kind]
		if min <= 0 {
			min = 1
		}
		if count < min {
			continue
		}

		action := s.policy.Actions[fam.kind]
		if action == "" {
			action = ActionLog
		}
		severity := s.policy.BaseSeverity[fam.kind]
		if severity == "" {
			severity = SeverityLow
		}
		if count >= 5 {
			severity = severity.escalate()
		}
		confidence := float64(count) / 5
		if confidence > 1 {
			confidence = 1
		}

		threats = append(threats, Threat{
			Kind:       fam.kind,
			Severity:   severity,
			Confidence: confidence,
			Action:     action,
			MatchCount: count,
		})

		if action == ActionSanitize {
			// Earlier families may already have rewritten sanitized, so the
			// spans to redact are found again in the current text.
			var cur [][2]int
			for _, re := range fam.patterns {
				for _, loc := range re.FindAllStringIndex(sanitized, -1) {
					cur = append(cur, [2]int{loc[0], loc[1]})
				}
			}
			sanitized = redactSpans(sanitized, cur, string(fam.kind))
		}
	}

	return threats, sanitized
}

// redactSpans replaces each matched span with a tagged placeholder. Spans
// are sorted by start offset and written out in one forward pass; a span
// that overlaps an earlier one is skipped.
func redactSpans(text string, spans [][2]int, tag string) string {
	if len(spans) == 0 {
		return text
	}
	placeholder := redactedPlaceholder + ":" + tag
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, sp := range spans {
		if sp[0] < last {
			continue
		}
		b.WriteString(text[last:sp[0]])
		b.WriteString(placeholder)
		last = sp[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// FirstBlocking returns the first threat whose action is block, or nil.
func FirstBlocking(threats []Threat) *Threat {
	for i := range threats {
		if threats[i].Action == ActionBlock {
			return &threats[i]
		}
	}
	return nil
}

// AnyBlocking reports whether any threat carries the block action.
func AnyBlocking(threats []Threat) bool {
	return FirstBlocking(threats) != nil
}
