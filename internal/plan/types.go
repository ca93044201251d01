// Package plan requests structured reflection plans from the NLP service and
// holds the plan and assistant message types shared by the chat pipeline.
package plan

import "strings"

// FallbackMessage is used when a message renders to no text at all.
const FallbackMessage = "Thanks for sharing. What feels most important to explore next?"

// Section is one prose block of a plan.
type Section struct {
	Text string `json:"text"`
}

// PatternConnection links the current message to earlier entries.
type PatternConnection struct {
	Text       string   `json:"text"`
	References []string `json:"references"`
}

// EvidenceCard cites a past entry the plan is grounded on.
type EvidenceCard struct {
	EntryID *string `json:"entry_id"`
	Snippet string  `json:"snippet"`
	Reason  string  `json:"reason"`
}

// Safety carries the crisis signal. Reason is null when there is no crisis.
type Safety struct {
	Crisis bool    `json:"crisis"`
	Reason *string `json:"reason"`
}

// Constraints are the content rules the plan was written under and that any
// rewrite must keep.
type Constraints struct {
	NoMedicalClaims bool `json:"no_medical_claims"`
	NoDiagnosis     bool `json:"no_diagnosis"`
	JournalingOnly  bool `json:"journaling_only"`
	NoAdvice        bool `json:"no_advice"`
}

// DefaultConstraints has every rule switched on.
func DefaultConstraints() Constraints {
	return Constraints{NoMedicalClaims: true, NoDiagnosis: true, JournalingOnly: true, NoAdvice: true}
}

// Plan is the evidence-grounded draft response for a single turn.
// It lives for one request and is never stored verbatim.
type Plan struct {
	Validation        Section           `json:"validation"`
	Reflection        Section           `json:"reflection"`
	PatternConnection PatternConnection `json:"pattern_connection"`
	GentleNudge       Section           `json:"gentle_nudge"`
	FollowUpQuestion  Section           `json:"follow_up_question"`
	EvidenceCards     []EvidenceCard    `json:"evidence_cards"`
	Safety            Safety            `json:"safety"`
	Constraints       Constraints       `json:"constraints"`
}

// AssistantMessage is the five-section reply shown to the user.
type AssistantMessage struct {
	Validation        string `json:"validation"`
	Reflection        string `json:"reflection"`
	PatternConnection string `json:"pattern_connection"`
	GentleNudge       string `json:"gentle_nudge"`
	FollowUpQuestion  string `json:"follow_up_question"`
}

// Sections returns the plan's own prose as an AssistantMessage.
func (p Plan) Sections() AssistantMessage {
	return AssistantMessage{
		Validation:        p.Validation.Text,
		Reflection:        p.Reflection.Text,
		PatternConnection: p.PatternConnection.Text,
		GentleNudge:       p.GentleNudge.Text,
		FollowUpQuestion:  p.FollowUpQuestion.Text,
	}
}

// SourceText is every piece of prose the plan contributes: the five sections
// followed by the evidence snippets. A rewrite is measured against it.
func (p Plan) SourceText() string {
	parts := p.Sections().parts()
	for _, c := range p.EvidenceCards {
		parts = append(parts, c.Snippet)
	}
	return joinNonBlank(parts)
}

// Text renders the message as one paragraph.
func (m AssistantMessage) Text() string {
	if s := joinNonBlank(m.parts()); s != "" {
		return s
	}
	return FallbackMessage
}

// Joined concatenates the five sections with single spaces, blanks included.
// It is the candidate text policy checks run against.
func (m AssistantMessage) Joined() string {
	return strings.Join(m.parts(), " ")
}

// Missing returns the JSON names of sections that are blank.
func (m AssistantMessage) Missing() []string {
	var missing []string
	for i, s := range m.parts() {
		if strings.TrimSpace(s) == "" {
			missing = append(missing, sectionNames[i])
		}
	}
	return missing
}

var sectionNames = [...]string{"validation", "reflection", "pattern_connection", "gentle_nudge", "follow_up_question"}

// SectionNames lists the five sections in rendering order.
func SectionNames() []string {
	return sectionNames[:]
}

func (m AssistantMessage) parts() []string {
	return []string{m.Validation, m.Reflection, m.PatternConnection, m.GentleNudge, m.FollowUpQuestion}
}

func joinNonBlank(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
