// Package backendtest runs an in-process assistant backend for tests. It
// serves every route the client uses from in-memory records, records the
// requests it sees, and can fail or hold individual requests.
package backendtest

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/recurrence"
)

const recentMessages = 3

// Request is one recorded call.
type Request struct {
	Method string
	Path   string
	Route  string // chi pattern, e.g. "GET /api/memory/{id}"
	Body   string
}

type Server struct {
	URL string

	srv *httptest.Server

	mu           sync.Mutex
	token        string
	now          func() time.Time
	reply        func(message string) (string, int)
	sessionOrder []string
	transcripts  map[string][]api.Message
	memories     map[string]api.MemoryDocument
	reminders    []api.Reminder
	occurrences  map[string][]time.Time
	onboarded    []api.OnboardRequest
	requests     []Request
	failures     map[string]int
	gates        map[string]chan struct{}
	waiting      map[string]int
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		reply:       func(m string) (string, int) { return "echo: " + m, 0 },
		transcripts: make(map[string][]api.Message),
		memories:    make(map[string]api.MemoryDocument),
		occurrences: make(map[string][]time.Time),
		failures:    make(map[string]int),
		gates:       make(map[string]chan struct{}),
		waiting:     make(map[string]int),
	}
	s.srv = httptest.NewServer(s.routes())
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() { s.srv.Close() }

// Client returns an api.Client pointed at the server.
func (s *Server) Client() *api.Client {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	return api.New(api.Options{BaseURL: s.URL, Token: token})
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Use(s.auth)

	s.handle(r, http.MethodGet, "/dashboard", s.handleDashboard)
	s.handle(r, http.MethodGet, "/chat/{id}", s.handleTranscript)
	s.handle(r, http.MethodPost, "/chat", s.handleSend)
	s.handle(r, http.MethodPost, "/onboard", s.handleOnboard)

	r.Route("/api", func(r chi.Router) {
		s.handle(r, http.MethodGet, "/memory", s.handleListMemories)
		s.handle(r, http.MethodGet, "/memory/{id}", s.handleGetMemory)
		s.handle(r, http.MethodPatch, "/memory/{id}", s.handlePatchMemory)
		s.handle(r, http.MethodDelete, "/memory/{id}", s.handleDeleteMemory)

		s.handle(r, http.MethodGet, "/reminders/{userID}", s.handleListReminders)
		s.handle(r, http.MethodPost, "/reminders", s.handleCreateReminder)
		s.handle(r, http.MethodPost, "/reminders/{id}/toggle", s.handleToggleReminder)
		s.handle(r, http.MethodDelete, "/reminders/{id}", s.handleDeleteReminder)
		s.handle(r, http.MethodGet, "/reminders/{id}/next", s.handleNextOccurrences)
	})
	return r
}

// handle registers h and wraps it with gating and failure injection.
func (s *Server) handle(r chi.Router, method, pattern string, h http.HandlerFunc) {
	r.Method(method, pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		route := method + " " + chi.RouteContext(req.Context()).RoutePattern()

		key := method + " " + req.URL.Path
		s.mu.Lock()
		gate := s.gates[key]
		if gate != nil {
			s.waiting[key]++
		}
		s.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-req.Context().Done():
			}
			s.mu.Lock()
			s.waiting[key]--
			s.mu.Unlock()
			if req.Context().Err() != nil {
				return
			}
		}

		s.mu.Lock()
		status := s.failures[route]
		s.mu.Unlock()
		if status != 0 {
			httpError(w, status, "injected failure for %s", route)
			return
		}
		h(w, req)
	}))
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		next.ServeHTTP(w, r)

		route := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.RequestURI(), Route: route, Body: string(body)})
		s.mu.Unlock()
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- configuration ---

// RequireToken makes every request carry "Authorization: Bearer token".
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetReply replaces the assistant. fn returns the reply and the number of
// mutations it claims to have applied.
func (s *Server) SetReply(fn func(message string) (string, int)) {
	s.mu.Lock()
	s.reply = fn
	s.mu.Unlock()
}

// Fail makes route (e.g. "GET /api/memory/{id}") answer with status until
// Recover is called.
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	s.failures[route] = status
	s.mu.Unlock()
}

func (s *Server) Recover(route string) {
	s.mu.Lock()
	delete(s.failures, route)
	s.mu.Unlock()
}

// Hold blocks requests for method and path (e.g. GET /api/memory/a) until
// the returned release func is called. Release is idempotent.
func (s *Server) Hold(method, path string) (release func()) {
	ch := make(chan struct{})
	key := method + " " + path
	s.mu.Lock()
	s.gates[key] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gates[key] == ch {
				delete(s.gates, key)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Waiting reports how many requests are blocked by Hold(method, path).
func (s *Server) Waiting(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[method+" "+path]
}

// --- seeding ---

// AddConversation stores a conversation as the most recent one.
func (s *Server) AddConversation(id string, msgs ...api.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		msgs[i].ConversationID = id
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
	}
	s.transcripts[id] = append(s.transcripts[id], msgs...)
	s.touchSession(id)
}

// AddMemory stores doc, filling id and timestamps when unset.
func (s *Server) AddMemory(doc api.MemoryDocument) api.MemoryDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	if doc.Metadata == nil {
		doc.Metadata = api.Metadata{}
	}
	s.memories[doc.ID] = doc
	return doc
}

// AddReminder stores r, filling id and timestamps when unset.
func (s *Server) AddReminder(r api.Reminder) api.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.reminders = append(s.reminders, r)
	return r
}

// SetOccurrences fixes the preview returned for reminder id.
func (s *Server) SetOccurrences(id string, times ...time.Time) {
	s.mu.Lock()
	s.occurrences[id] = times
	s.mu.Unlock()
}

// --- inspection ---

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests matched route.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Route == route {
			n++
		}
	}
	return n
}

func (s *Server) Memory(id string) (api.MemoryDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.memories[id]
	return d, ok
}

func (s *Server) Transcript(id string) []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.Message(nil), s.transcripts[id]...)
}

func (s *Server) Reminders() []api.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.Reminder(nil), s.reminders...)
}

func (s *Server) Onboarded() []api.OnboardRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.OnboardRequest(nil), s.onboarded...)
}

// --- chat ---

// touchSession must be called with s.mu held.
func (s *Server) touchSession(id string) {
	order := []string{id}
	for _, o := range s.sessionOrder {
		if o != id {
			order = append(order, o)
		}
	}
	s.sessionOrder = order
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var d api.Dashboard
	d.Sessions.All = []api.SessionRecord{}
	for _, id := range s.sessionOrder {
		msgs := s.transcripts[id]
		if len(msgs) > recentMessages {
			msgs = msgs[len(msgs)-recentMessages:]
		}
		d.Sessions.All = append(d.Sessions.All, api.SessionRecord{ID: id, RecentMessages: append([]api.Message(nil), msgs...)})
	}
	d.Memories.Recent = []json.RawMessage{}
	for _, sum := range s.summariesLocked() {
		raw, _ := json.Marshal(sum)
		d.Memories.Recent = append(d.Memories.Recent, raw)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	msgs, ok := s.transcripts[id]
	msgs = append([]api.Message{}, msgs...)
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "conversation %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req api.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.ConversationID == "" || req.Message == "" {
		httpError(w, http.StatusBadRequest, "conversationId and message are required")
		return
	}

	s.mu.Lock()
	reply, mutations := s.reply(req.Message)
	now := s.now()
	s.transcripts[req.ConversationID] = append(s.transcripts[req.ConversationID],
		api.Message{ID: uuid.NewString(), ConversationID: req.ConversationID, Role: api.RoleUser, Content: req.Message, CreatedAt: &now},
		api.Message{ID: uuid.NewString(), ConversationID: req.ConversationID, Role: api.RoleAssistant, Content: reply, CreatedAt: &now, MutationsApplied: mutations},
	)
	s.touchSession(req.ConversationID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, api.SendResponse{Reply: reply, MutationsApplied: mutations})
}

func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req api.OnboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.UserID == "" {
		httpError(w, http.StatusBadRequest, "userId is required")
		return
	}
	s.mu.Lock()
	s.onboarded = append(s.onboarded, req)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

// --- memory ---

// summariesLocked returns summaries most recently updated first. Must be
// called with s.mu held.
func (s *Server) summariesLocked() []api.MemorySummary {
	out := make([]api.MemorySummary, 0, len(s.memories))
	for _, d := range s.memories {
		out = append(out, api.MemorySummary{
			ID:          d.ID,
			Filename:    d.Filename,
			Type:        d.Metadata.Type(),
			LastUpdated: d.UpdatedAt,
			Preview:     preview(d.Content),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func preview(content string) string {
	r := []rune(strings.TrimSpace(content))
	if len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return string(r)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := s.summariesLocked()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"memories": list})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, ok := s.Memory(id)
	if !ok {
		httpError(w, http.StatusNotFound, "memory %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePatchMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch api.MemoryPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	s.mu.Lock()
	doc, ok := s.memories[id]
	if !ok {
		s.mu.Unlock()
		httpError(w, http.StatusNotFound, "memory %s not found", id)
		return
	}
	doc.Filename = patch.Filename
	doc.Metadata = patch.Metadata
	doc.Content = patch.Content
	doc.UpdatedAt = s.now()
	s.memories[id] = doc
	s.mu.Unlock()

	// Only the updated subset is echoed back.
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        doc.ID,
		"filename":  doc.Filename,
		"metadata":  doc.Metadata,
		"updatedAt": doc.UpdatedAt,
	})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.memories[id]
	delete(s.memories, id)
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "memory %s not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- reminders ---

func (s *Server) findReminder(id string) int {
	for i, r := range s.reminders {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	s.mu.Lock()
	list := []api.Reminder{}
	for _, rem := range s.reminders {
		if rem.UserID == userID {
			list = append(list, rem)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"reminders": list})
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var req api.CreateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.NaturalLanguage) == "" {
		httpError(w, http.StatusBadRequest, "userId and naturalLanguage are required")
		return
	}

	s.mu.Lock()
	now := s.now()
	rem := interpret(req, now)
	rem.ID = uuid.NewString()
	rem.CreatedAt, rem.UpdatedAt = now, now
	s.reminders = append([]api.Reminder{rem}, s.reminders...)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, rem)
}

// interpret is a stand-in for the backend's language model: "every day"
// or "daily" become a daily rule at 09:00, anything else fires in an hour.
func interpret(req api.CreateReminderRequest, now time.Time) api.Reminder {
	text := strings.TrimSpace(req.NaturalLanguage)
	rem := api.Reminder{
		UserID:   req.UserID,
		FCMToken: req.FCMToken,
		Title:    text,
		Body:     text,
		Timezone: req.Timezone,
		Active:   true,
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "every day") || strings.Contains(lower, "daily") {
		rem.RRule = "FREQ=DAILY;BYHOUR=9;BYMINUTE=0"
		return rem
	}
	at := now.Add(time.Hour)
	rem.TriggerAt = &at
	return rem
}

func (s *Server) handleToggleReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	i := s.findReminder(id)
	if i < 0 {
		s.mu.Unlock()
		httpError(w, http.StatusNotFound, "reminder %s not found", id)
		return
	}
	s.reminders[i].Active = !s.reminders[i].Active
	s.reminders[i].UpdatedAt = s.now()
	rem := s.reminders[i]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	i := s.findReminder(id)
	if i >= 0 {
		s.reminders = append(s.reminders[:i], s.reminders[i+1:]...)
	}
	s.mu.Unlock()
	if i < 0 {
		httpError(w, http.StatusNotFound, "reminder %s not found", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNextOccurrences(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	count := 5
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "invalid count %q", raw)
			return
		}
		count = n
	}

	s.mu.Lock()
	i := s.findReminder(id)
	if i < 0 {
		s.mu.Unlock()
		httpError(w, http.StatusNotFound, "reminder %s not found", id)
		return
	}
	rem := s.reminders[i]
	times, fixed := s.occurrences[id]
	now := s.now()
	s.mu.Unlock()

	if !fixed {
		switch {
		case rem.RRule != "":
			for k := 1; k <= count; k++ {
				times = append(times, now.Add(time.Duration(k)*24*time.Hour))
			}
		case rem.TriggerAt != nil:
			times = []time.Time{*rem.TriggerAt}
		}
	}
	if len(times) > count {
		times = times[:count]
	}
	if times == nil {
		times = []time.Time{}
	}

	writeJSON(w, http.StatusOK, api.NextOccurrences{
		ID:              rem.ID,
		Title:           rem.Title,
		RRule:           rem.RRule,
		Description:     recurrence.Describe(rem.RRule),
		LastTriggered:   rem.LastTriggeredAt,
		NextOccurrences: times,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}
