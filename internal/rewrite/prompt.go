package rewrite

import (
	"encoding/json"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
)

// SystemPrompt frames every rewrite request.
const SystemPrompt = "You rewrite journaling assistant responses for warmth and clarity. " +
	"Do not add facts, advice, or medical language. Keep the same meaning and constraints."

// SchemaName labels the structured output for providers that require one.
const SchemaName = "rewrite_response"

var instructions = []string{
	"Rewrite the assistant_message with a warmer tone.",
	"Keep meaning identical; do not add new topics or claims.",
	"Return strict JSON matching the schema.",
}

// ResponseSchema is the JSON schema the provider must answer with. Every
// section is a required string and no other properties are allowed.
var ResponseSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "assistant_message": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "validation": {"type": "string"},
        "reflection": {"type": "string"},
        "pattern_connection": {"type": "string"},
        "gentle_nudge": {"type": "string"},
        "follow_up_question": {"type": "string"}
      },
      "required": ["validation", "reflection", "pattern_connection", "gentle_nudge", "follow_up_question"]
    }
  },
  "required": ["assistant_message"]
}`)

type planSections struct {
	Validation        string `json:"validation"`
	Reflection        string `json:"reflection"`
	PatternConnection string `json:"pattern_connection"`
	GentleNudge       string `json:"gentle_nudge"`
	FollowUpQuestion  string `json:"follow_up_question"`
}

type userPayload struct {
	Instructions     []string              `json:"instructions"`
	Constraints      plan.Constraints      `json:"constraints"`
	PlanSections     planSections          `json:"plan_sections"`
	AssistantMessage plan.AssistantMessage `json:"assistant_message"`
}

// userPrompt serializes the plan and the current wording as the user turn.
func userPrompt(p plan.Plan, msg plan.AssistantMessage) (string, error) {
	s := p.Sections()
	b, err := json.Marshal(userPayload{
		Instructions:     instructions,
		Constraints:      p.Constraints,
		PlanSections:     planSections(s),
		AssistantMessage: msg,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
