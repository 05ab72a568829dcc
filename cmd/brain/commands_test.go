package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/app"
	"github.com/kalambet/brain/internal/backendtest"
	"github.com/kalambet/brain/internal/config"
	"github.com/kalambet/brain/internal/profile"
	"github.com/kalambet/brain/internal/storage"
)

// setupCLI points every command at an in-process backend. Each invocation
// opens the same data directory, like consecutive runs of the binary.
func setupCLI(t *testing.T, adjust ...func(*config.Config)) *backendtest.Server {
	t.Helper()
	srv := backendtest.New(t)
	dir := t.TempDir()

	cfg := config.Config{
		API:     config.APIConfig{BaseURL: srv.URL, Timeout: "5s"},
		User:    config.UserConfig{ID: "u1", Timezone: "UTC"},
		Storage: config.StorageConfig{DataDir: dir},
	}
	for _, fn := range adjust {
		fn(&cfg)
	}

	oldOpen, oldColor := openApp, noColor
	openApp = func() (*app.App, error) {
		store, err := storage.Open(dir)
		if err != nil {
			return nil, err
		}
		return app.New(cfg, app.Options{Store: store}), nil
	}
	noColor = true
	t.Cleanup(func() {
		openApp = oldOpen
		noColor = oldColor
	})
	return srv
}

// execute runs the root command with args and returns what it wrote to
// stdout. Flags are reset first since the command tree is shared.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "no-color" {
			return
		}
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("brain %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func sentConversations(t *testing.T, srv *backendtest.Server) []string {
	t.Helper()
	var ids []string
	for _, r := range srv.Requests() {
		if r.Route != "POST /chat" {
			continue
		}
		var req api.SendRequest
		if err := json.Unmarshal([]byte(r.Body), &req); err != nil {
			t.Fatalf("body parse error: %v", err)
		}
		ids = append(ids, req.ConversationID)
	}
	return ids
}

// --- chat ---

func TestChatSendNewThenContinue(t *testing.T) {
	srv := setupCLI(t)

	out := mustExecute(t, "chat", "send", "--new", "hello")
	if !strings.Contains(out, "assistant: echo: hello") {
		t.Errorf("output = %q, want the assistant reply", out)
	}

	mustExecute(t, "chat", "send", "how", "are", "you")

	ids := sentConversations(t, srv)
	if len(ids) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(ids))
	}
	if ids[0] == "" || ids[0] != ids[1] {
		t.Errorf("second send went to %q, want %q", ids[1], ids[0])
	}
	if got := srv.Transcript(ids[0]); len(got) != 4 {
		t.Errorf("backend transcript has %d messages, want 4", len(got))
	}

	out = mustExecute(t, "chat", "show")
	if !strings.Contains(out, "you: how are you") || !strings.Contains(out, "assistant: echo: hello") {
		t.Errorf("show output = %q", out)
	}
}

func TestChatSendNewStartsAnotherConversation(t *testing.T) {
	srv := setupCLI(t)

	mustExecute(t, "chat", "send", "--new", "one")
	mustExecute(t, "chat", "send", "--new", "two")

	ids := sentConversations(t, srv)
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected two distinct conversations, got %v", ids)
	}

	out := mustExecute(t, "chat", "list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 sessions, got %q", out)
	}
	if !strings.HasPrefix(lines[0], ids[1]) {
		t.Errorf("newest conversation should be listed first, got %q", lines[0])
	}
}

func TestChatSendFailure(t *testing.T) {
	srv := setupCLI(t)
	srv.Fail("POST /chat", http.StatusBadGateway)

	_, err := execute(t, "chat", "send", "--new", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("error = %v, want a 502 api error", err)
	}
}

func TestChatShowWithoutConversation(t *testing.T) {
	setupCLI(t)

	_, err := execute(t, "chat", "show")
	if err == nil || !strings.Contains(err.Error(), "no current conversation") {
		t.Errorf("error = %v, want no current conversation", err)
	}
}

func TestChatShowByID(t *testing.T) {
	srv := setupCLI(t)
	srv.AddConversation("c1",
		api.Message{Role: api.RoleUser, Content: "remember Bob"},
		api.Message{Role: api.RoleAssistant, Content: "noted", MutationsApplied: 2},
	)

	out := mustExecute(t, "chat", "show", "c1")
	if !strings.Contains(out, "assistant: noted") || !strings.Contains(out, "(2 memory updates)") {
		t.Errorf("output = %q", out)
	}
}

// --- memory ---

func seedMemories(srv *backendtest.Server) {
	srv.AddMemory(api.MemoryDocument{
		ID:       "m1",
		Filename: "people/bob.md",
		Content:  "Bob likes tea",
		Metadata: api.Metadata{"type": "person", "tags": []any{"friend"}, "source": "import"},
	})
	srv.AddMemory(api.MemoryDocument{ID: "m2", Filename: "projects/garden.md", Content: "Tomatoes"})
}

func TestMemoryListAndSearch(t *testing.T) {
	srv := setupCLI(t)
	seedMemories(srv)

	out := mustExecute(t, "memory", "list")
	if !strings.Contains(out, "people/bob.md") || !strings.Contains(out, "projects/garden.md") {
		t.Errorf("list output = %q", out)
	}

	out = mustExecute(t, "memory", "search", "BOB")
	if !strings.Contains(out, "people/bob.md") || strings.Contains(out, "garden") {
		t.Errorf("search output = %q", out)
	}

	out = mustExecute(t, "memory", "search", "nothing-matches")
	if !strings.Contains(out, "No memories found.") {
		t.Errorf("search output = %q", out)
	}
}

func TestMemoryShowRemembersSelection(t *testing.T) {
	srv := setupCLI(t)
	seedMemories(srv)

	out := mustExecute(t, "memory", "show", "m1")
	if !strings.Contains(out, "Bob likes tea") || !strings.Contains(out, "tags:    friend") {
		t.Errorf("show output = %q", out)
	}

	out = mustExecute(t, "memory", "show")
	if !strings.Contains(out, "people/bob.md") {
		t.Errorf("show without id = %q, want the last shown memory", out)
	}
}

func TestMemoryEditFlagsMergeMetadata(t *testing.T) {
	srv := setupCLI(t)
	seedMemories(srv)
	editText = func(string) (string, error) {
		t.Fatal("editor should not open when flags are given")
		return "", nil
	}
	t.Cleanup(func() { editText = defaultEditText })

	mustExecute(t, "memory", "edit", "m1", "--type", "colleague", "--filename", "people/robert.md")

	doc, _ := srv.Memory("m1")
	if doc.Filename != "people/robert.md" {
		t.Errorf("filename = %q", doc.Filename)
	}
	if doc.Metadata.Type() != "colleague" {
		t.Errorf("type = %q", doc.Metadata.Type())
	}
	if doc.Metadata["source"] != "import" {
		t.Errorf("unrelated metadata lost: %v", doc.Metadata)
	}
	if doc.Content != "Bob likes tea" {
		t.Errorf("content = %q", doc.Content)
	}
}

func TestMemoryEditOpensEditor(t *testing.T) {
	srv := setupCLI(t)
	seedMemories(srv)
	var got string
	editText = func(initial string) (string, error) {
		got = initial
		return "Bob likes coffee now", nil
	}
	t.Cleanup(func() { editText = defaultEditText })

	mustExecute(t, "memory", "edit", "m1")

	if got != "Bob likes tea" {
		t.Errorf("editor got %q", got)
	}
	doc, _ := srv.Memory("m1")
	if doc.Content != "Bob likes coffee now" {
		t.Errorf("content = %q", doc.Content)
	}
}

func TestMemoryEditFailureKeepsDraft(t *testing.T) {
	srv := setupCLI(t)
	seedMemories(srv)
	srv.Fail("PATCH /api/memory/{id}", http.StatusInternalServerError)

	if _, err := execute(t, "memory", "edit", "m1", "--type", "colleague"); err == nil {
		t.Fatal("expected save error")
	}
	if doc, _ := srv.Memory("m1"); doc.Metadata.Type() != "person" {
		t.Fatalf("backend changed despite failure: %q", doc.Metadata.Type())
	}

	srv.Recover("PATCH /api/memory/{id}")
	editText = func(string) (string, error) {
		t.Fatal("editor should not open when resuming a draft")
		return "", nil
	}
	t.Cleanup(func() { editText = defaultEditText })

	mustExecute(t, "memory", "edit")

	if doc, _ := srv.Memory("m1"); doc.Metadata.Type() != "colleague" {
		t.Errorf("type = %q, want the resumed draft", doc.Metadata.Type())
	}
}

func TestMemoryDeleteClearsCurrent(t *testing.T) {
	srv := setupCLI(t)
	seedMemories(srv)

	mustExecute(t, "memory", "show", "m1")
	mustExecute(t, "memory", "delete", "m1")

	if _, ok := srv.Memory("m1"); ok {
		t.Error("memory still on the backend")
	}
	_, err := execute(t, "memory", "show")
	if err == nil || !strings.Contains(err.Error(), "no current memory") {
		t.Errorf("error = %v, want no current memory", err)
	}
	if n := srv.Count("GET /api/memory/{id}"); n != 1 {
		t.Errorf("detail fetched %d times, want 1", n)
	}
}

// --- reminders ---

func TestRemindersCreateListToggle(t *testing.T) {
	srv := setupCLI(t, func(c *config.Config) { c.User.Timezone = "Europe/Berlin" })

	out := mustExecute(t, "reminders", "create", "stretch", "every", "day")
	if !strings.Contains(out, "daily at 09:00 (Europe/Berlin)") {
		t.Errorf("create output = %q", out)
	}

	stored := srv.Reminders()
	if len(stored) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(stored))
	}
	id := stored[0].ID

	out = mustExecute(t, "reminders", "list")
	if !strings.Contains(out, id) {
		t.Errorf("list output = %q", out)
	}

	mustExecute(t, "reminders", "toggle", id)

	out = mustExecute(t, "reminders", "list")
	if !strings.Contains(out, "No reminders.") {
		t.Errorf("active list after pause = %q", out)
	}
	out = mustExecute(t, "reminders", "list", "--inactive")
	if !strings.Contains(out, id) {
		t.Errorf("inactive list = %q", out)
	}
}

func TestRemindersCreateTimezoneFlag(t *testing.T) {
	srv := setupCLI(t)

	mustExecute(t, "reminders", "create", "--tz", "Asia/Tokyo", "call", "mom")
	if got := srv.Reminders()[0].Timezone; got != "Asia/Tokyo" {
		t.Errorf("timezone = %q", got)
	}

	_, err := execute(t, "reminders", "create", "--tz", "Nowhere/Land", "call", "mom")
	if err == nil {
		t.Error("expected error for unknown timezone")
	}
	if n := srv.Count("POST /api/reminders"); n != 1 {
		t.Errorf("create requests = %d, want 1", n)
	}
}

func TestRemindersNext(t *testing.T) {
	srv := setupCLI(t)
	r := srv.AddReminder(api.Reminder{UserID: "u1", Title: "water", Active: true, RRule: "FREQ=DAILY;BYHOUR=8"})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	srv.SetOccurrences(r.ID, base, base.Add(24*time.Hour), base.Add(48*time.Hour))

	out := mustExecute(t, "reminders", "next", r.ID, "--count", "2")

	if !strings.Contains(out, "schedule:       daily at 08:00") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "2026-03-01 08:00") || !strings.Contains(out, "2026-03-02 08:00") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "2026-03-03") {
		t.Errorf("count not honored: %q", out)
	}
}

func TestRemindersDelete(t *testing.T) {
	srv := setupCLI(t)
	r := srv.AddReminder(api.Reminder{UserID: "u1", Title: "water", Active: true})

	mustExecute(t, "reminders", "delete", r.ID)
	if len(srv.Reminders()) != 0 {
		t.Error("reminder still on the backend")
	}
}

func TestRemindersRequireUser(t *testing.T) {
	srv := setupCLI(t, func(c *config.Config) { c.User.ID = "" })

	_, err := execute(t, "reminders", "list")
	if !errors.Is(err, app.ErrNoUser) {
		t.Errorf("error = %v, want ErrNoUser", err)
	}
	if n := len(srv.Requests()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

// --- describe / onboard / status ---

func TestDescribe(t *testing.T) {
	out := mustExecute(t, "describe", "FREQ=WEEKLY;BYDAY=MO;BYHOUR=9")
	if out != "Every mo at 09:00\n" {
		t.Errorf("output = %q", out)
	}

	if _, err := execute(t, "describe", "BYHOUR=9"); err == nil {
		t.Error("expected error without FREQ")
	}
}

func TestOnboardMissingField(t *testing.T) {
	srv := setupCLI(t)

	_, err := execute(t, "onboard", "--full-name", "Robert Smith", "--preferred-name", "Bob")
	if !errors.Is(err, profile.ErrMissingField) {
		t.Errorf("error = %v, want ErrMissingField", err)
	}
	if len(srv.Onboarded()) != 0 {
		t.Error("onboarding was submitted")
	}
}

func TestOnboardSubmitsAndMovesToDashboard(t *testing.T) {
	srv := setupCLI(t)

	mustExecute(t, "onboard",
		"--full-name", "Robert Smith",
		"--preferred-name", "Bob",
		"--occupation", "Gardener",
		"--interests", "chess",
		"--tz", "Europe/Berlin",
	)

	got := srv.Onboarded()
	if len(got) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(got))
	}
	want := []string{"Full Name: Robert Smith", "Preferred Name: Bob", "Occupation: Gardener", "Interests: chess"}
	if strings.Join(got[0].Data, "|") != strings.Join(want, "|") {
		t.Errorf("data = %v, want %v", got[0].Data, want)
	}
	if got[0].Timezone != "Europe/Berlin" || got[0].UserID != "u1" {
		t.Errorf("submission = %+v", got[0])
	}

	out := mustExecute(t, "status")
	if !strings.Contains(out, "Location: /dashboard") {
		t.Errorf("status output = %q", out)
	}
}

func TestStatus(t *testing.T) {
	srv := setupCLI(t)
	seedMemories(srv)
	srv.AddReminder(api.Reminder{UserID: "u1", Title: "a", Active: true})
	srv.AddReminder(api.Reminder{UserID: "u1", Title: "b", Active: false})

	out := mustExecute(t, "status")

	for _, want := range []string{
		"Backend: " + srv.URL,
		"Token: not set",
		"User: u1",
		"Conversations: 0",
		"Memories: 2",
		"Reminders: 1 active, 1 paused",
		"Location: /",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusWithBackendDown(t *testing.T) {
	srv := setupCLI(t)
	srv.Fail("GET /api/memory", http.StatusInternalServerError)

	out := mustExecute(t, "status")
	if !strings.Contains(out, "Memories: 0") {
		t.Errorf("status output = %q", out)
	}
}

// --- output ---

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a\nb  c", 10); got != "a b c" {
		t.Errorf("got %q", got)
	}
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("got %q", got)
	}
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	defer slog.SetDefault(old)

	var buf bytes.Buffer
	setupLogging(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	slog.Debug("hello", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "hello" || rec["k"] != "v" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	setupLogging(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	slog.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestNotifyWritesMarkedLine(t *testing.T) {
	oldOut, oldColor := notices, noColor
	defer func() { notices, noColor = oldOut, oldColor }()

	var buf bytes.Buffer
	notices, noColor = &buf, true
	printWarning("%d left", 3)
	printSuccess("done")

	if got := buf.String(); got != "⚠ 3 left\n✓ done\n" {
		t.Errorf("notices = %q", got)
	}
}

// --- config ---

func TestConfigSetShowUnset(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BRAIN_USER_ID", "")
	t.Setenv("BRAIN_API_MAX_RETRIES", "")

	mustExecute(t, "config", "set", "user.id", "u9")
	mustExecute(t, "config", "set", "api.max_retries", "5")

	out := mustExecute(t, "config", "show")
	for _, want := range []string{"user.id = u9", "api.max_retries = 5", "(BRAIN_USER_ID)"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "api.token") {
		t.Errorf("config show listed the token:\n%s", out)
	}

	mustExecute(t, "config", "unset", "user.id")
	out = mustExecute(t, "config", "show")
	if strings.Contains(out, "user.id = u9") {
		t.Errorf("user.id survived unset:\n%s", out)
	}

	if _, err := execute(t, "config", "set", "api.max_retries", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	_, err := execute(t, "config", "set", "api.token", "x")
	if err == nil || !strings.Contains(err.Error(), "valid keys") {
		t.Errorf("err = %v, want valid keys hint", err)
	}
}

func TestConfigToken(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("BRAIN_STORAGE_DATA_DIR", dataDir)
	t.Setenv("BRAIN_API_TOKEN", "")

	mustExecute(t, "config", "token", "sekrit")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Token != "sekrit" {
		t.Errorf("token = %q, want sekrit", cfg.API.Token)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "secrets.json")); err != nil {
		t.Errorf("secrets file missing: %v", err)
	}
}
