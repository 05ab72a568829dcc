// Package mcptools exposes the memory, reminder and chat stores as MCP
// tools so other assistants can read memories and manage reminders.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/chat"
	"github.com/kalambet/brain/internal/memory"
	"github.com/kalambet/brain/internal/recurrence"
	"github.com/kalambet/brain/internal/reminder"
)

const maxSearchResults = 50

// Deps holds the stores the tools act on.
type Deps struct {
	Memory    *memory.Repository
	Reminders *reminder.Lifecycle
	Chat      *chat.Store
	UserID    string // empty disables the reminder tools
	Timezone  string
	Version   string
}

// NewServer creates an MCP server with every tool registered.
func NewServer(deps Deps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"brain",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("brain gives access to the user's memory documents, reminders and assistant chat."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_memory",
			mcp.WithDescription("Find memory documents whose filename or id contains the query (case-insensitive)."),
			mcp.WithString("query", mcp.Description("Substring to look for; empty lists everything")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		searchMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("read_memory",
			mcp.WithDescription("Read the full markdown content and metadata of one memory document."),
			mcp.WithString("id", mcp.Description("Memory document id"), mcp.Required()),
		),
		readMemory(deps),
	)

	s.AddTool(
		mcp.NewTool("list_reminders",
			mcp.WithDescription("List the user's reminders with a one-line schedule."),
			mcp.WithBoolean("include_inactive", mcp.Description("Also list paused reminders")),
		),
		listReminders(deps),
	)

	s.AddTool(
		mcp.NewTool("create_reminder",
			mcp.WithDescription("Create a reminder from a natural-language request such as 'stretch every day at 9'."),
			mcp.WithString("text", mcp.Description("What to be reminded of and when"), mcp.Required()),
			mcp.WithString("timezone", mcp.Description("IANA timezone (default: the configured one)")),
		),
		createReminder(deps),
	)

	s.AddTool(
		mcp.NewTool("describe_schedule",
			mcp.WithDescription("Turn a schedule string like FREQ=WEEKLY;BYDAY=MO;BYHOUR=9 into a short phrase."),
			mcp.WithString("rrule", mcp.Description("Semicolon-separated schedule string"), mcp.Required()),
		),
		describeSchedule(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to the personal assistant and return its reply."),
			mcp.WithString("message", mcp.Description("Message text"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Existing conversation; omit to start a new one")),
		),
		sendMessage(deps),
	)

	return s
}

func searchMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > maxSearchResults {
			limit = maxSearchResults
		}

		if err := deps.Memory.ListSummaries(ctx); err != nil && len(deps.Memory.Summaries()) == 0 {
			return toolError(fmt.Sprintf("listing memories failed: %v", err)), nil
		}

		found := deps.Memory.Search(query)
		if len(found) > limit {
			found = found[:limit]
		}

		type result struct {
			ID          string `json:"id"`
			Filename    string `json:"filename"`
			Type        string `json:"type,omitempty"`
			LastUpdated string `json:"last_updated"`
			Preview     string `json:"preview,omitempty"`
		}
		results := make([]result, len(found))
		for i, s := range found {
			results[i] = result{
				ID:          s.ID,
				Filename:    s.Filename,
				Type:        s.Type,
				LastUpdated: s.LastUpdated.Format(time.RFC3339),
				Preview:     s.Preview,
			}
		}
		return toolJSON(results)
	}
}

func readMemory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return toolError("id is required"), nil
		}

		// Reading for a tool call must not move the user's selection.
		doc, err := deps.Memory.Fetch(ctx, id)
		if err != nil {
			return toolError(fmt.Sprintf("reading memory failed: %v", err)), nil
		}

		return toolJSON(struct {
			ID       string       `json:"id"`
			Filename string       `json:"filename"`
			Metadata api.Metadata `json:"metadata"`
			Content  string       `json:"content"`
			Updated  string       `json:"updated_at"`
		}{doc.ID, doc.Filename, doc.Metadata, doc.Content, doc.UpdatedAt.Format(time.RFC3339)})
	}
}

type reminderResult struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body,omitempty"`
	When     string `json:"when"`
	Timezone string `json:"timezone"`
	Active   bool   `json:"active"`
}

func toReminderResult(r api.Reminder) reminderResult {
	return reminderResult{
		ID:       r.ID,
		Title:    r.Title,
		Body:     r.Body,
		When:     reminder.When(r),
		Timezone: reminder.TimezoneLabel(r),
		Active:   r.Active,
	}
}

func listReminders(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.UserID == "" {
			return toolError("no user configured"), nil
		}
		if err := deps.Reminders.List(ctx, deps.UserID); err != nil {
			return toolError(fmt.Sprintf("listing reminders failed: %v", err)), nil
		}

		list := deps.Reminders.Active()
		if req.GetBool("include_inactive", false) {
			list = deps.Reminders.Reminders()
		}
		results := make([]reminderResult, len(list))
		for i, r := range list {
			results[i] = toReminderResult(r)
		}
		return toolJSON(results)
	}
}

func createReminder(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.UserID == "" {
			return toolError("no user configured"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return toolError("text is required"), nil
		}
		tz := req.GetString("timezone", deps.Timezone)

		r, err := deps.Reminders.Create(ctx, deps.UserID, text, tz)
		if err != nil {
			return toolError(fmt.Sprintf("creating reminder failed: %v", err)), nil
		}
		return toolJSON(toReminderResult(r))
	}
}

func describeSchedule() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rrule, err := req.RequireString("rrule")
		if err != nil {
			return toolError("rrule is required"), nil
		}
		return toolText(recurrence.Describe(rrule)), nil
	}
}

func sendMessage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return toolError("message is required"), nil
		}
		convID := req.GetString("conversation_id", "")

		res, err := deps.Chat.Send(ctx, convID, message)
		if err != nil {
			return toolError(fmt.Sprintf("sending message failed: %v", err)), nil
		}
		return toolJSON(struct {
			ConversationID   string `json:"conversation_id"`
			Reply            string `json:"reply"`
			MutationsApplied int    `json:"mutations_applied"`
		}{res.ConversationID, res.Reply.Content, res.Reply.MutationsApplied})
	}
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return toolError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return toolText(string(b)), nil
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
