package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Gowtham-18/DearMe-AI/internal/config"
	"github.com/Gowtham-18/DearMe-AI/internal/pipeline"
	"github.com/Gowtham-18/DearMe-AI/internal/prompts"
	"github.com/Gowtham-18/DearMe-AI/internal/storage"
)

// --- entries ---

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Write and browse journal entries",
}

type createdEntry struct {
	Entry storage.Entry `json:"entry"`
	JobID string        `json:"job_id"`
}

func createEntry(ctx context.Context, c *apiClient, userID, content, mood, entryDate, source string) (createdEntry, error) {
	body := map[string]any{
		"userId":  userID,
		"content": content,
		"source":  source,
	}
	if mood != "" {
		body["mood"] = mood
	}
	if entryDate != "" {
		body["entryDate"] = entryDate
	}

	resp, err := c.post(ctx, "/api/entries", body)
	if err != nil {
		return createdEntry{}, err
	}
	var out createdEntry
	if err := decodeJSON(resp, &out); err != nil {
		return createdEntry{}, err
	}
	return out, nil
}

var entriesAddCmd = &cobra.Command{
	Use:   "add [text]",
	Short: "Save a journal entry (reads stdin when no text is given)",
	Long: `Save a journal entry. The entry is analyzed and embedded in the background.

Examples:
  dearme entries add "Walked by the river after the review."
  dearme entries add --mood calm < today.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.TrimSpace(strings.Join(args, " "))
		if content == "" && !stdinIsTerminal() {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			content = strings.TrimSpace(string(data))
		}
		if content == "" {
			return fmt.Errorf("entry text is required")
		}
		mood, _ := cmd.Flags().GetString("mood")
		date, _ := cmd.Flags().GetString("date")

		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		out, err := createEntry(cmd.Context(), client, userFlag(cmd, cfg), content, mood, date, "cli")
		if err != nil {
			return err
		}
		printSuccess("Saved entry %s", out.Entry.ID)
		return nil
	},
}

var entriesImportCmd = &cobra.Command{
	Use:   "import <file.txt|file.md|file.pdf>",
	Short: "Import a text, markdown or PDF file as an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readEntryFile(args[0])
		if err != nil {
			return err
		}
		if text == "" {
			return fmt.Errorf("%s contains no text", args[0])
		}
		mood, _ := cmd.Flags().GetString("mood")
		date, _ := cmd.Flags().GetString("date")

		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		printStep("Importing %s (%d characters)", args[0], len([]rune(text)))
		out, err := createEntry(cmd.Context(), client, userFlag(cmd, cfg), text, mood, date, "import")
		if err != nil {
			return err
		}
		printSuccess("Imported entry %s", out.Entry.ID)
		return nil
	},
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"userId": {userFlag(cmd, cfg)}, "limit": {fmt.Sprint(limit)}}
		resp, err := client.get(cmd.Context(), "/api/entries?"+q.Encode())
		if err != nil {
			return err
		}
		var out struct {
			Entries []storage.Entry `json:"entries"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printEntries(stdout, out.Entries)
		return nil
	},
}

func printEntries(w io.Writer, entries []storage.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries found.")
		return
	}
	for _, e := range entries {
		date := e.EntryDate
		if date == "" {
			date = e.CreatedAt.Format("2006-01-02")
		}
		mood := ""
		if e.Mood != "" {
			mood = " [" + e.Mood + "]"
		}
		fmt.Fprintf(w, "%s  %s%s  %s\n", colorize(colorCyan, shortID(e.ID)), date, mood, truncateRunes(e.Content, 80))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	for _, c := range []*cobra.Command{entriesAddCmd, entriesImportCmd} {
		c.Flags().String("mood", "", "mood label")
		c.Flags().String("date", "", "entry date, YYYY-MM-DD")
	}
	entriesListCmd.Flags().Int("limit", 20, "maximum number of entries")
	entriesCmd.AddCommand(entriesAddCmd)
	entriesCmd.AddCommand(entriesImportCmd)
	entriesCmd.AddCommand(entriesListCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage chat sessions",
}

func startSession(ctx context.Context, c *apiClient, userID, promptText string) (storage.Session, error) {
	body := map[string]any{"userId": userID}
	if promptText != "" {
		body["selectedPromptText"] = promptText
	}
	resp, err := c.post(ctx, "/api/sessions", body)
	if err != nil {
		return storage.Session{}, err
	}
	var sess storage.Session
	if err := decodeJSON(resp, &sess); err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

func completeSession(ctx context.Context, c *apiClient, userID, sessionID string) error {
	resp, err := c.post(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/complete", map[string]any{"userId": userID})
	if err != nil {
		return err
	}
	var sess storage.Session
	return decodeJSON(resp, &sess)
}

var sessionsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new chat session",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")

		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		sess, err := startSession(cmd.Context(), client, userFlag(cmd, cfg), prompt)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, sess.ID)
		return nil
	},
}

var sessionsCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Mark a session completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := completeSession(cmd.Context(), client, userFlag(cmd, cfg), args[0]); err != nil {
			return err
		}
		printSuccess("Session %s completed", args[0])
		return nil
	},
}

var sessionsTurnsCmd = &cobra.Command{
	Use:   "turns <session-id>",
	Short: "Show the conversation of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"userId": {userFlag(cmd, cfg)}}
		resp, err := client.get(cmd.Context(), "/api/sessions/"+url.PathEscape(args[0])+"/turns?"+q.Encode())
		if err != nil {
			return err
		}
		var out struct {
			Turns []storage.Turn `json:"turns"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printTurns(stdout, out.Turns)
		return nil
	},
}

func printTurns(w io.Writer, turns []storage.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(w, "No turns yet.")
		return
	}
	for _, t := range turns {
		label := colorize(colorBold, "you:")
		if t.Role == storage.RoleAssistant {
			label = colorize(colorCyan, "dearme:")
		}
		fmt.Fprintf(w, "%s %s\n", label, t.Content)
	}
}

func init() {
	sessionsStartCmd.Flags().String("prompt", "", "journaling prompt the session answers")
	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsCompleteCmd)
	sessionsCmd.AddCommand(sessionsTurnsCmd)
}

// --- chat ---

func chatTurn(ctx context.Context, c *apiClient, req pipeline.TurnRequest) (pipeline.TurnResult, error) {
	resp, err := c.post(ctx, "/api/chat/turn", req)
	if err != nil {
		return pipeline.TurnResult{}, err
	}
	var res pipeline.TurnResult
	if err := decodeJSON(resp, &res); err != nil {
		return pipeline.TurnResult{}, err
	}
	return res, nil
}

func printReply(w io.Writer, res pipeline.TurnResult) {
	fmt.Fprintln(w, colorize(colorCyan, "dearme:")+" "+res.Assistant.Message)
	if res.Safety.Crisis {
		fmt.Fprintln(w, colorize(colorRed, "If you are in danger or thinking about harming yourself, please contact local emergency services or a crisis line now."))
	}
	if len(res.Assistant.Evidence) > 0 {
		fmt.Fprintf(w, "  %s\n", colorize(colorBold, fmt.Sprintf("(drawing on %d past entries)", len(res.Assistant.Evidence))))
	}
	if res.AssistantTurn == nil {
		printWarning("reply was not saved to the session history")
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Reflect on a message, or chat interactively when no message is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		mood, _ := cmd.Flags().GetString("mood")
		enhanced, _ := cmd.Flags().GetBool("enhanced")
		budget, _ := cmd.Flags().GetInt("time-budget")

		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		userID := userFlag(cmd, cfg)

		started := false
		if sessionID == "" {
			sess, err := startSession(ctx, client, userID, "")
			if err != nil {
				return err
			}
			sessionID = sess.ID
			started = true
		}

		turn := func(message string) error {
			res, err := chatTurn(ctx, client, pipeline.TurnRequest{
				UserID:                  userID,
				SessionID:               sessionID,
				LatestUserMessage:       message,
				TimeBudget:              budget,
				Mood:                    mood,
				EnhancedLanguageEnabled: enhanced,
			})
			if err != nil {
				return err
			}
			printReply(stdout, res)
			return nil
		}

		if len(args) > 0 {
			return turn(strings.Join(args, " "))
		}

		printStep("Session %s. Type a message, or \"exit\" to finish.", shortID(sessionID))
		if err := chatLoop(cmd.InOrStdin(), turn); err != nil {
			return err
		}
		if started {
			if err := completeSession(ctx, client, userID, sessionID); err != nil {
				printWarning("could not complete session: %v", err)
			}
		}
		return nil
	},
}

// chatLoop sends each non-empty input line to turn until EOF or "exit".
// A failed turn is reported and the loop continues.
func chatLoop(in io.Reader, turn func(string) error) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(stderr, colorize(colorBold, "you: "))
		if !scanner.Scan() {
			fmt.Fprintln(stderr)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := turn(line); err != nil {
			printError("%v", err)
		}
	}
}

func init() {
	chatCmd.Flags().String("session", "", "continue an existing session")
	chatCmd.Flags().String("mood", "", "mood label for this conversation")
	chatCmd.Flags().Bool("enhanced", false, "reword replies for warmth when a provider is configured")
	chatCmd.Flags().Int("time-budget", pipeline.DefaultTimeBudget, "minutes you want to spend")
}

// --- prompts ---

func generatePrompts(ctx context.Context, c *apiClient, req prompts.Request) (prompts.Result, error) {
	resp, err := c.post(ctx, "/api/prompts", req)
	if err != nil {
		return prompts.Result{}, err
	}
	var res prompts.Result
	if err := decodeJSON(resp, &res); err != nil {
		return prompts.Result{}, err
	}
	return res, nil
}

func printPrompts(w io.Writer, res prompts.Result) {
	if res.Safety.Crisis {
		fmt.Fprintln(w, colorize(colorRed, "If you are in danger or thinking about harming yourself, please contact local emergency services or a crisis line now."))
		return
	}
	if len(res.Prompts) == 0 {
		fmt.Fprintln(w, "No prompts right now.")
		return
	}
	for i, p := range res.Prompts {
		fmt.Fprintf(w, "%d. %s\n", i+1, p.Text)
		if p.Reason != "" {
			fmt.Fprintf(w, "   %s\n", colorize(colorBold, p.Reason))
		}
	}
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Suggest journaling prompts drawn from your entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		mood, _ := cmd.Flags().GetString("mood")
		budget, _ := cmd.Flags().GetInt("time-budget")
		start, _ := cmd.Flags().GetInt("start")

		client, cfg, err := newAPIClient()
		if err != nil {
			return err
		}
		userID := userFlag(cmd, cfg)
		res, err := generatePrompts(cmd.Context(), client, prompts.Request{UserID: userID, Mood: mood, TimeBudget: budget})
		if err != nil {
			return err
		}
		printPrompts(stdout, res)
		if start <= 0 {
			return nil
		}
		if start > len(res.Prompts) {
			return fmt.Errorf("no prompt %d; %d suggested", start, len(res.Prompts))
		}
		sess, err := startSession(cmd.Context(), client, userID, res.Prompts[start-1].Text)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, sess.ID)
		return nil
	},
}

func init() {
	promptsCmd.Flags().String("mood", "", "mood label to steer the prompts")
	promptsCmd.Flags().Int("time-budget", prompts.DefaultTimeBudget, "minutes you want to spend")
	promptsCmd.Flags().Int("start", 0, "start a session answering the numbered prompt")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if isSecretKey(key) {
			printSuccess("Set %s (stored in %s)", key, config.SecretsFilePath())
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys and their environment variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ShowAll(config.Config{}) {
			secret := ""
			if k.Secret {
				secret = " (secret)"
			}
			fmt.Fprintf(stdout, "  %-28s %s%s\n", k.Key, k.EnvVar, secret)
		}
		return nil
	},
}

func isSecretKey(key string) bool {
	for _, k := range config.ShowAll(config.Config{}) {
		if k.Key == key {
			return k.Secret
		}
	}
	return false
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
}

// stdinIsTerminal reports whether stdin is interactive.
func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
