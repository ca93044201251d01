package nlp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// AnalyzeRequest is the body of POST /analyze-entry.
type AnalyzeRequest struct {
	UserID    string `json:"user_id"`
	EntryID   string `json:"entry_id"`
	Text      string `json:"text"`
	Mood      string `json:"mood,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Sentiment is the coarse sentiment the service assigns to a text.
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// AnalysisSafety mirrors the safety block of the analysis response.
type AnalysisSafety struct {
	Crisis bool    `json:"crisis"`
	Reason *string `json:"reason"`
}

// Analysis is the decoded /analyze-entry response. Embedding may be empty
// when the service has no embedding model loaded.
type Analysis struct {
	Sentiment  Sentiment      `json:"sentiment"`
	Keyphrases []string       `json:"keyphrases"`
	Embedding  []float32      `json:"embedding"`
	Safety     AnalysisSafety `json:"safety"`
}

// AnalyzeEntry asks the service to analyze and embed a text.
func (c *Client) AnalyzeEntry(ctx context.Context, req AnalyzeRequest) (Analysis, error) {
	data, err := c.PostJSON(ctx, "/analyze-entry", req, nil)
	if err != nil {
		return Analysis{}, fmt.Errorf("analyze-entry: %w", err)
	}
	var out Analysis
	if err := json.Unmarshal(data, &out); err != nil {
		return Analysis{}, fmt.Errorf("decoding analyze-entry response: %w", err)
	}
	for i, v := range out.Embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Analysis{}, fmt.Errorf("analyze-entry embedding[%d] is not finite", i)
		}
	}
	return out, nil
}
