package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Gowtham-18/DearMe-AI/internal/ingest"
	"github.com/Gowtham-18/DearMe-AI/internal/pipeline"
	"github.com/Gowtham-18/DearMe-AI/internal/prompts"
	"github.com/Gowtham-18/DearMe-AI/internal/retrieval"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

const (
	mcpRecentLimit   = 10
	mcpSnippetRunes  = 200
	defaultRecallMax = 5
)

// Gatherer retrieves evidence for a query. *retrieval.Coordinator implements it.
type Gatherer interface {
	Gather(ctx context.Context, q retrieval.Query) (retrieval.Evidence, error)
}

// MCPDeps holds dependencies for the MCP server. The MCP transport is local
// and single-user, so every call acts as UserID.
type MCPDeps struct {
	Store    *storage.Store
	Turns    TurnRunner
	Gatherer Gatherer
	UserID   string
	Version  string
	// Prompts backs generate_prompts. The tool is not offered when nil.
	Prompts PromptGenerator
	// RecallMax bounds recall_entries. It should match what one Gather can
	// return; zero means the coordinator defaults.
	RecallMax int
}

// NewMCPServer creates an MCP server with the journaling tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	if deps.RecallMax <= 0 {
		deps.RecallMax = retrieval.DefaultMatchCount + retrieval.DefaultRecentCount
	}
	s := server.NewMCPServer(
		"dearme",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("DearMe: a private journaling companion. Reflect on a message, recall past entries, or save a new entry."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat_turn",
			mcp.WithDescription("Send a journaling message and receive a grounded reflection."),
			mcp.WithString("message", mcp.Description("What the user wants to reflect on"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session id; a new session is started when omitted")),
			mcp.WithString("mood", mcp.Description("Optional mood label")),
			mcp.WithBoolean("enhanced", mcp.Description("Reword the reply for warmth when a provider is configured")),
		),
		mcpChatTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_entries",
			mcp.WithDescription("Find past journal entries related to a query, most relevant first."),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum number of entries (default %d, at most %d)", min(defaultRecallMax, deps.RecallMax), deps.RecallMax))),
		),
		mcpRecallEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("add_entry",
			mcp.WithDescription("Save a journal entry. It is analyzed and embedded in the background."),
			mcp.WithString("content", mcp.Description("Entry text"), mcp.Required()),
			mcp.WithString("mood", mcp.Description("Optional mood label")),
			mcp.WithString("entry_date", mcp.Description("Optional date, YYYY-MM-DD")),
		),
		mcpAddEntry(deps),
	)

	if deps.Prompts != nil {
		s.AddTool(
			mcp.NewTool("generate_prompts",
				mcp.WithDescription("Suggest journaling prompts grounded in past entries. Returns no prompts when recent entries show crisis cues."),
				mcp.WithString("mood", mcp.Description("Optional mood label")),
				mcp.WithNumber("time_budget", mcp.Description("Minutes available for the session (default 5)")),
			),
			mcpGeneratePrompts(deps),
		)
	}

	s.AddResource(
		mcp.NewResource(
			"journal://recent",
			"Recent Entries",
			mcp.WithResourceDescription("Last 10 journal entries, truncated"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpChatTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		sessionID := req.GetString("session_id", "")
		if sessionID == "" {
			sess, err := deps.Store.CreateSession(ctx, storage.Session{UserID: deps.UserID})
			if err != nil {
				return mcpError(fmt.Sprintf("failed to start session: %v", err)), nil
			}
			sessionID = sess.ID
		}

		res, err := deps.Turns.Turn(ctx, pipeline.TurnRequest{
			UserID:                  deps.UserID,
			SessionID:               sessionID,
			LatestUserMessage:       message,
			Mood:                    req.GetString("mood", ""),
			EnhancedLanguageEnabled: req.GetBool("enhanced", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("chat turn failed: %v", err)), nil
		}

		b, err := json.Marshal(struct {
			SessionID string `json:"session_id"`
			pipeline.TurnResult
		}{sessionID, res})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecallEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		maxN := deps.RecallMax
		if maxN <= 0 {
			maxN = retrieval.DefaultMatchCount + retrieval.DefaultRecentCount
		}
		limit := req.GetInt("limit", defaultRecallMax)
		if limit <= 0 {
			limit = defaultRecallMax
		}
		limit = min(limit, maxN)

		ev, err := deps.Gatherer.Gather(ctx, retrieval.Query{UserID: deps.UserID, Message: query})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		entries := ev.Entries
		if len(entries) > limit {
			entries = entries[:limit]
		}
		if entries == nil {
			entries = []retrieval.EvidenceEntry{}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGeneratePrompts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Prompts.Generate(ctx, prompts.Request{
			UserID:     deps.UserID,
			Mood:       req.GetString("mood", ""),
			TimeBudget: req.GetInt("time_budget", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("prompt generation failed: %v", err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal prompts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		entry, err := deps.Store.SaveEntry(ctx, storage.Entry{
			UserID:    deps.UserID,
			Content:   content,
			Mood:      req.GetString("mood", ""),
			EntryDate: req.GetString("entry_date", ""),
			Source:    "mcp",
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}

		if _, err := ingest.EnqueueEmbed(ctx, deps.Store, entry.ID); err != nil {
			return mcpError(fmt.Sprintf("saved entry %s but failed to queue analysis: %v", entry.ID, err)), nil
		}
		return mcpText(fmt.Sprintf("Stored entry %s", entry.ID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.Store.RecentEntries(ctx, deps.UserID, mcpRecentLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent entries: %w", err)
		}

		type entrySummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Mood      string `json:"mood,omitempty"`
			Snippet   string `json:"snippet"`
		}

		summaries := make([]entrySummary, len(entries))
		for i, e := range entries {
			snippet := e.Content
			if utf8.RuneCountInString(snippet) > mcpSnippetRunes {
				snippet = string([]rune(snippet)[:mcpSnippetRunes]) + "..."
			}
			summaries[i] = entrySummary{
				ID:        e.ID,
				CreatedAt: e.CreatedAt.Format(time.RFC3339),
				Mood:      e.Mood,
				Snippet:   snippet,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entries: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
