// Package policy gates rewritten assistant messages. A rewrite must not use
// clinical or prescriptive language, and must stay lexically close to the
// plan it was derived from.
package policy

import (
	"regexp"
	"strings"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
)

// Reason explains a verdict.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonPolicyBlocked Reason = "policy_blocked"
	ReasonEmptyRewrite  Reason = "empty_rewrite"
	ReasonLowOverlap    Reason = "low_overlap"
)

// MinOverlap is the share of candidate tokens that must also occur in the
// source text.
const MinOverlap = 0.6

// Verdict is the outcome of Validate.
type Verdict struct {
	OK     bool
	Reason Reason
}

var disallowed = compile(
	`\bdiagnos(e|is|tic)\b`,
	`\bmedication\b`,
	`\bprescrib(e|ed|ing)\b`,
	`\bmedical advice\b`,
	`\btherapy\b`,
	`\btherapist\b`,
	`\bclinician\b`,
	`\bpsychiatr(ist|ists|y|ic)\b`,
	`\bself[-\s]?harm\b`,
	`\bkill yourself\b`,
	`\bsuicid(al|e)\b`,
	`\byou should\b`,
	`\byou must\b`,
	`\byou need to\b`,
	`\bi recommend\b`,
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]{4,}`)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Validate checks a candidate message against sourceText, the prose of the
// plan it rewrites (see plan.Plan.SourceText). It has no side effects.
func Validate(msg plan.AssistantMessage, sourceText string) Verdict {
	candidate := msg.Joined()
	if Blocked(candidate) {
		return Verdict{Reason: ReasonPolicyBlocked}
	}

	tokens := Tokenize(candidate)
	if len(tokens) == 0 {
		return Verdict{Reason: ReasonEmptyRewrite}
	}
	if Overlap(tokens, Tokenize(sourceText)) < MinOverlap {
		return Verdict{Reason: ReasonLowOverlap}
	}
	return Verdict{OK: true, Reason: ReasonOK}
}

// Blocked reports whether text contains any disallowed term.
func Blocked(text string) bool {
	for _, re := range disallowed {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Tokenize returns the set of lowercase alphanumeric runs of length four or more.
func Tokenize(text string) map[string]struct{} {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		set[m] = struct{}{}
	}
	return set
}

// Overlap is the fraction of candidate tokens found in source. An empty
// candidate has zero overlap.
func Overlap(candidate, source map[string]struct{}) float64 {
	if len(candidate) == 0 {
		return 0
	}
	shared := 0
	for tok := range candidate {
		if _, ok := source[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(candidate))
}
