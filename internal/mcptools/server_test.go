package mcptools

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/backendtest"
	"github.com/kalambet/brain/internal/chat"
	"github.com/kalambet/brain/internal/memory"
	"github.com/kalambet/brain/internal/reminder"
	"github.com/kalambet/brain/internal/sequence"
)

// --- helpers ---

func newTestDeps(t *testing.T) (Deps, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(t)
	client := srv.Client()
	seq := sequence.New()
	return Deps{
		Memory:    memory.NewRepository(client, seq),
		Reminders: reminder.NewLifecycle(client, seq, "fcm-token"),
		Chat:      chat.NewStore(client, seq),
		UserID:    "u1",
		Timezone:  "Europe/Berlin",
	}, srv
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return result
}

// --- tests ---

func TestSearchMemory(t *testing.T) {
	deps, srv := newTestDeps(t)
	srv.AddMemory(api.MemoryDocument{ID: "m1", Filename: "people/bob.md", Content: "Bob"})
	srv.AddMemory(api.MemoryDocument{ID: "m2", Filename: "projects/garden.md", Content: "Tomatoes"})
	srv.AddMemory(api.MemoryDocument{ID: "m3", Filename: "people/alice.md", Content: "Alice"})

	result := call(t, searchMemory(deps), "search_memory", map[string]interface{}{"query": "PEOPLE"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	var found []struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &found); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 results, got %d", len(found))
	}
	for _, f := range found {
		if !strings.HasPrefix(f.Filename, "people/") {
			t.Errorf("unexpected match %s", f.Filename)
		}
	}
}

func TestSearchMemory_Limit(t *testing.T) {
	deps, srv := newTestDeps(t)
	for _, id := range []string{"a", "b", "c"} {
		srv.AddMemory(api.MemoryDocument{ID: id, Filename: id + ".md"})
	}

	result := call(t, searchMemory(deps), "search_memory", map[string]interface{}{"limit": 2})

	var found []json.RawMessage
	if err := json.Unmarshal([]byte(resultText(t, result)), &found); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 results, got %d", len(found))
	}
}

func TestSearchMemory_BackendDown(t *testing.T) {
	deps, srv := newTestDeps(t)
	srv.Fail("GET /api/memory", http.StatusInternalServerError)

	result := call(t, searchMemory(deps), "search_memory", nil)
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestReadMemory(t *testing.T) {
	deps, srv := newTestDeps(t)
	srv.AddMemory(api.MemoryDocument{
		ID:       "m1",
		Filename: "bob.md",
		Content:  "# Bob\nLikes tea",
		Metadata: api.Metadata{"type": "person"},
	})

	result := call(t, readMemory(deps), "read_memory", map[string]interface{}{"id": "m1"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	var doc struct {
		Content  string       `json:"content"`
		Metadata api.Metadata `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &doc); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if doc.Content != "# Bob\nLikes tea" {
		t.Errorf("content = %q", doc.Content)
	}
	if doc.Metadata.Type() != "person" {
		t.Errorf("type = %q", doc.Metadata.Type())
	}
}

func TestReadMemory_MissingID(t *testing.T) {
	deps, _ := newTestDeps(t)

	result := call(t, readMemory(deps), "read_memory", map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestReadMemory_NotFound(t *testing.T) {
	deps, _ := newTestDeps(t)

	result := call(t, readMemory(deps), "read_memory", map[string]interface{}{"id": "nope"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestReadMemory_KeepsUserSelection(t *testing.T) {
	deps, srv := newTestDeps(t)
	srv.AddMemory(api.MemoryDocument{ID: "m1", Filename: "bob.md", Content: "bob"})
	srv.AddMemory(api.MemoryDocument{ID: "m2", Filename: "alice.md", Content: "alice"})

	if err := deps.Memory.LoadDetail(context.Background(), "m1"); err != nil {
		t.Fatalf("LoadDetail: %v", err)
	}
	if err := deps.Memory.BeginEdit(); err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	deps.Memory.SetContent("bob, edited")

	result := call(t, readMemory(deps), "read_memory", map[string]interface{}{"id": "m2"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if !strings.Contains(resultText(t, result), "alice") {
		t.Errorf("result = %q, want m2's content", resultText(t, result))
	}

	if got := deps.Memory.Selected(); got != "m1" {
		t.Errorf("selected = %q, want m1", got)
	}
	if !deps.Memory.Editing() {
		t.Error("edit mode was switched off")
	}
	if got := deps.Memory.Buffer().Content; got != "bob, edited" {
		t.Errorf("buffer content = %q, want the unsaved edit", got)
	}
}

func TestListReminders(t *testing.T) {
	deps, srv := newTestDeps(t)
	srv.AddReminder(api.Reminder{UserID: "u1", Title: "water", Active: true, RRule: "FREQ=DAILY;BYHOUR=8"})
	srv.AddReminder(api.Reminder{UserID: "u1", Title: "paused", Active: false})
	srv.AddReminder(api.Reminder{UserID: "u2", Title: "not mine", Active: true})

	result := call(t, listReminders(deps), "list_reminders", nil)
	var active []reminderResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &active); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(active) != 1 || active[0].Title != "water" {
		t.Fatalf("expected only the active reminder, got %+v", active)
	}
	if active[0].When != "daily at 08:00" {
		t.Errorf("when = %q", active[0].When)
	}
	if active[0].Timezone != "UTC" {
		t.Errorf("timezone = %q", active[0].Timezone)
	}

	result = call(t, listReminders(deps), "list_reminders", map[string]interface{}{"include_inactive": true})
	var all []reminderResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &all); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 reminders, got %d", len(all))
	}
}

func TestReminderTools_NoUser(t *testing.T) {
	deps, _ := newTestDeps(t)
	deps.UserID = ""

	if r := call(t, listReminders(deps), "list_reminders", nil); !r.IsError {
		t.Error("list_reminders: expected error result")
	}
	if r := call(t, createReminder(deps), "create_reminder", map[string]interface{}{"text": "x"}); !r.IsError {
		t.Error("create_reminder: expected error result")
	}
}

func TestCreateReminder_DefaultTimezone(t *testing.T) {
	deps, srv := newTestDeps(t)

	result := call(t, createReminder(deps), "create_reminder", map[string]interface{}{"text": "  stretch every day  "})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	stored := srv.Reminders()
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored reminder, got %d", len(stored))
	}
	if stored[0].Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q", stored[0].Timezone)
	}
	if stored[0].FCMToken != "fcm-token" {
		t.Errorf("fcm token = %q", stored[0].FCMToken)
	}
	if stored[0].Title != "stretch every day" {
		t.Errorf("title = %q", stored[0].Title)
	}

	var got reminderResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if got.When != "daily at 09:00" {
		t.Errorf("when = %q", got.When)
	}
}

func TestCreateReminder_Invalid(t *testing.T) {
	deps, srv := newTestDeps(t)

	cases := []map[string]interface{}{
		{},
		{"text": "   "},
		{"text": "call mom", "timezone": "Mars/Olympus"},
	}
	for _, args := range cases {
		if r := call(t, createReminder(deps), "create_reminder", args); !r.IsError {
			t.Errorf("args %v: expected error result", args)
		}
	}
	if n := srv.Count("POST /api/reminders"); n != 0 {
		t.Errorf("expected no create requests, got %d", n)
	}
}

func TestDescribeSchedule(t *testing.T) {
	h := describeSchedule()

	result := call(t, h, "describe_schedule", map[string]interface{}{"rrule": "FREQ=WEEKLY;BYDAY=MO,WE;BYHOUR=9"})
	if got := resultText(t, result); got != "Every mo,we at 09:00" {
		t.Errorf("got %q", got)
	}

	if r := call(t, h, "describe_schedule", nil); !r.IsError {
		t.Error("expected error for missing rrule")
	}
}

func TestSendMessage_NewConversation(t *testing.T) {
	deps, srv := newTestDeps(t)

	result := call(t, sendMessage(deps), "send_message", map[string]interface{}{"message": "hello"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	var got struct {
		ConversationID string `json:"conversation_id"`
		Reply          string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if got.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}
	if got.Reply != "echo: hello" {
		t.Errorf("reply = %q", got.Reply)
	}
	if len(srv.Transcript(got.ConversationID)) != 2 {
		t.Errorf("expected backend transcript of 2 messages")
	}
}

func TestSendMessage_Failure(t *testing.T) {
	deps, srv := newTestDeps(t)
	srv.Fail("POST /chat", http.StatusBadGateway)

	result := call(t, sendMessage(deps), "send_message", map[string]interface{}{"message": "hello", "conversation_id": "c1"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestNewServer_RegistersTools(t *testing.T) {
	deps, _ := newTestDeps(t)
	s := NewServer(deps)

	msg := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	names := make(map[string]bool)
	for _, tool := range resp.Result.Tools {
		names[tool.Name] = true
	}
	for _, name := range []string{"search_memory", "read_memory", "list_reminders", "create_reminder", "describe_schedule", "send_message"} {
		if !names[name] {
			t.Errorf("tool %s not registered", name)
		}
	}
}
