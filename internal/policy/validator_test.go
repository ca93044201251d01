package policy

import (
	"testing"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
)

const planText = "Thanks for sharing. That sounds heavy. It seems clarity is present. If it helps, name one small detail."

func baseMessage() plan.AssistantMessage {
	return plan.AssistantMessage{
		Validation:        "Thanks for sharing.",
		Reflection:        "That sounds heavy.",
		PatternConnection: "It seems clarity is present.",
		GentleNudge:       "If it helps, name one small detail.",
		FollowUpQuestion:  "What feels most important?",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *plan.AssistantMessage)
		want   Reason
	}{
		{"faithful rewrite", func(m *plan.AssistantMessage) {}, ReasonOK},
		{"prescriptive therapy", func(m *plan.AssistantMessage) { m.Reflection = "You should seek therapy immediately." }, ReasonPolicyBlocked},
		{"medication", func(m *plan.AssistantMessage) { m.GentleNudge = "Maybe you should take medication." }, ReasonPolicyBlocked},
		{"upper case", func(m *plan.AssistantMessage) { m.GentleNudge = "I RECOMMEND a walk." }, ReasonPolicyBlocked},
		{"self harm with space", func(m *plan.AssistantMessage) { m.Reflection = "Thoughts of self harm" }, ReasonPolicyBlocked},
		{"selfharm joined", func(m *plan.AssistantMessage) { m.Reflection = "selfharm" }, ReasonPolicyBlocked},
		{"diagnosis", func(m *plan.AssistantMessage) { m.Reflection = "This is not a diagnosis." }, ReasonPolicyBlocked},
		{"psychiatrist", func(m *plan.AssistantMessage) { m.Reflection = "A psychiatrist could help." }, ReasonPolicyBlocked},
		{"psychiatrists", func(m *plan.AssistantMessage) { m.Reflection = "Some people talk to psychiatrists." }, ReasonPolicyBlocked},
		{"psychiatric care", func(m *plan.AssistantMessage) { m.GentleNudge = "Psychiatric care might help." }, ReasonPolicyBlocked},
		{"psychiatrist at full overlap", func(m *plan.AssistantMessage) {
			*m = plan.AssistantMessage{Validation: "Thanks for sharing.", Reflection: "That sounds heavy, a psychiatrist could help."}
		}, ReasonPolicyBlocked},
		{"unrelated content", func(m *plan.AssistantMessage) {
			m.Reflection = "Consider reorganizing your whole calendar with productivity apps tomorrow morning."
		}, ReasonLowOverlap},
		{"no tokens", func(m *plan.AssistantMessage) { *m = plan.AssistantMessage{Validation: "Hi!", Reflection: "ok", FollowUpQuestion: "why?"} }, ReasonEmptyRewrite},
		{"all blank", func(m *plan.AssistantMessage) { *m = plan.AssistantMessage{} }, ReasonEmptyRewrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := baseMessage()
			tt.mutate(&msg)
			got := Validate(msg, planText)
			if got.Reason != tt.want {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.want)
			}
			if got.OK != (tt.want == ReasonOK) {
				t.Errorf("OK = %v for reason %q", got.OK, got.Reason)
			}
		})
	}
}

func TestValidate_BlockedRegardlessOfOverlap(t *testing.T) {
	source := "You should rest. That sounds heavy."
	msg := plan.AssistantMessage{Validation: "You should rest.", Reflection: "That sounds heavy."}
	if got := Validate(msg, source); got.Reason != ReasonPolicyBlocked {
		t.Errorf("Reason = %q, want %q even at full overlap", got.Reason, ReasonPolicyBlocked)
	}
}

func TestValidate_WordBoundaries(t *testing.T) {
	for _, text := range []string{
		"Thanks for sharing, you shoulder a lot.",
		"Thanks for sharing the therapists' names list.",
		"Thanks for sharing about psychotherapy books.",
	} {
		if Blocked(text) {
			t.Errorf("Blocked(%q) = true, want false", text)
		}
	}
}

func TestBlocked_ClinicalReferrals(t *testing.T) {
	for _, text := range []string{
		"A psychiatrist could help.",
		"psychiatrists",
		"psychiatric care",
		"psychiatry",
		"Have you seen a therapist?",
	} {
		if !Blocked(text) {
			t.Errorf("Blocked(%q) = false, want true", text)
		}
	}
}

func TestValidate_Idempotent(t *testing.T) {
	msg := baseMessage()
	msg.Reflection = "That sounds heavy and clarity feels distant."
	first := Validate(msg, planText)
	for i := 0; i < 5; i++ {
		if got := Validate(msg, planText); got != first {
			t.Fatalf("run %d: verdict = %+v, want %+v", i, got, first)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Work, WORK and the 2024 review! a1b2")
	want := []string{"work", "2024", "review", "a1b2"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
	for _, w := range want {
		if _, ok := got[w]; !ok {
			t.Errorf("token %q missing from %v", w, got)
		}
	}
}

func TestOverlap(t *testing.T) {
	src := Tokenize("alpha beta gamma delta")
	if got := Overlap(Tokenize("alpha beta gamma omega omega"), src); got != 0.75 {
		t.Errorf("Overlap = %v, want 0.75", got)
	}
	if got := Overlap(Tokenize(""), src); got != 0 {
		t.Errorf("Overlap(empty) = %v, want 0", got)
	}
}
