package plan

// ResponseJSON renders a v2 chat-turn response body for p, the shape the NLP
// service returns. Fakes of the service build their replies with it.
func ResponseJSON(p Plan) map[string]any {
	return map[string]any{
		"plan":              p,
		"assistant_message": p.Sections(),
		"safety":            p.Safety,
	}
}
