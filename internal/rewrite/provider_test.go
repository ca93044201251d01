package rewrite

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gowtham-18/DearMe-AI/internal/plan"
)

func testCompletion() Completion {
	return Completion{
		Model:       DefaultModel,
		System:      SystemPrompt,
		User:        `{"assistant_message":{}}`,
		SchemaName:  SchemaName,
		Schema:      ResponseSchema,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
}

func TestOpenAI_CompleteJSON(t *testing.T) {
	var captured map[string]any
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   DefaultModel,
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": messageJSON(warmer())}}},
		})
	}))
	defer srv.Close()

	out, err := NewOpenAI("sk-test", srv.URL+"/v1").CompleteJSON(context.Background(), testCompletion())
	require.NoError(t, err)
	assert.Equal(t, messageJSON(warmer()), out)
	assert.Equal(t, "Bearer sk-test", auth)

	assert.Equal(t, DefaultModel, captured["model"])
	assert.EqualValues(t, DefaultMaxTokens, captured["max_tokens"])
	format := captured["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]any)
	assert.Equal(t, SchemaName, schema["name"])
	assert.Equal(t, true, schema["strict"])
	assert.Contains(t, schema["schema"].(map[string]any)["properties"], "assistant_message")

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, SystemPrompt, msgs[0].(map[string]any)["content"])
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("sk-test", srv.URL+"/v1").CompleteJSON(context.Background(), testCompletion())
	assert.Error(t, err)
}

func TestOpenAI_ThroughRewriter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "```json\n" + messageJSON(warmer()) + "\n```"}}},
		})
	}))
	defer srv.Close()

	p := testPlan()
	res := NewRewriter(NewOpenAI("sk-test", srv.URL+"/v1"), Config{}, nil).Rewrite(context.Background(), p, p.Sections())
	require.Equal(t, ReasonOK, res.Reason)
	assert.Equal(t, warmer(), *res.Message)
}

func TestOllama_CompleteJSON(t *testing.T) {
	var captured struct {
		Model    string          `json:"model"`
		Format   json.RawMessage `json:"format"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
		Options struct {
			NumPredict int `json:"num_predict"`
		} `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": messageJSON(warmer())},
		})
	}))
	defer srv.Close()

	c, err := NewCompleter(context.Background(), ProviderConfig{Provider: ProviderOllama, OllamaURL: srv.URL})
	require.NoError(t, err)

	cmp := testCompletion()
	cmp.Model = "llama3.2"
	out, err := c.CompleteJSON(context.Background(), cmp)
	require.NoError(t, err)
	assert.Equal(t, messageJSON(warmer()), out)
	assert.Equal(t, "llama3.2", captured.Model)
	assert.Equal(t, DefaultMaxTokens, captured.Options.NumPredict)
	assert.Len(t, captured.Messages, 2)
	assert.Contains(t, string(captured.Format), "assistant_message")
}

func TestNewCompleter(t *testing.T) {
	ctx := context.Background()

	for _, pc := range []ProviderConfig{
		{Provider: ""},
		{Provider: ProviderNone, APIKey: "sk"},
		{Provider: ProviderOpenAI},
		{Provider: ProviderGemini},
	} {
		c, err := NewCompleter(ctx, pc)
		assert.NoError(t, err, pc.Provider)
		assert.Nil(t, c, pc.Provider)
	}

	c, err := NewCompleter(ctx, ProviderConfig{Provider: ProviderOpenAI, APIKey: "sk"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, c)

	_, err = NewCompleter(ctx, ProviderConfig{Provider: "anthropic"})
	assert.Error(t, err)
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema()
	require.Contains(t, s.Properties, "assistant_message")
	inner := s.Properties["assistant_message"]
	assert.Equal(t, plan.SectionNames(), inner.Required)
	assert.Len(t, inner.Properties, 5)
	for _, name := range plan.SectionNames() {
		require.Contains(t, inner.Properties, name)
		assert.EqualValues(t, 1, *inner.Properties[name].MinLength)
	}
}
