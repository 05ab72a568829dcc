// Package chat keeps the list of known conversations and the transcript of
// the active one. Sends are rendered optimistically: the user's message is
// appended before the backend answers and is never rolled back.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/sequence"
)

const (
	slotSessions   = "chat-sessions"
	slotTranscript = "chat-transcript"

	snippetLen = 30
)

// Backend is the slice of the API the store uses. Implemented by api.Client.
type Backend interface {
	Dashboard(ctx context.Context) (api.Dashboard, error)
	Transcript(ctx context.Context, conversationID string) ([]api.Message, error)
	SendMessage(ctx context.Context, req api.SendRequest) (api.SendResponse, error)
}

// Navigator is told when a send mints a new conversation id, so the
// location can be replaced without adding a history entry.
type Navigator interface {
	ConversationEstablished(id string)
}

// Session is a conversation as shown in the list.
type Session struct {
	ID      string
	Snippet string
	Local   bool // created by this client, not yet seen in a dashboard
}

// Message is a transcript entry. Pending is set on an optimistic user
// message until the backend confirms the send.
type Message struct {
	api.Message
	Pending bool

	// local orders entries appended by Send; zero for server entries.
	local uint64
}

// Key returns a stable display key: the server id when known, the
// position in the transcript otherwise.
func (m Message) Key(index int) string {
	if m.ID != "" {
		return m.ID
	}
	return strconv.Itoa(index)
}

// State is the send state of one conversation.
type State int

const (
	Idle State = iota
	Sending
)

func (s State) String() string {
	if s == Sending {
		return "sending"
	}
	return "idle"
}

type Store struct {
	backend Backend
	seq     *sequence.Sequencer
	newID   func() (string, error)
	logger  *slog.Logger

	mu         sync.Mutex
	nav        Navigator
	sessions   []Session
	activeID   string
	transcript []Message
	sending    map[string]int
	nextLocal  uint64
	err        error
}

// NewStore creates a store. A nil sequencer gets a private one.
func NewStore(backend Backend, seq *sequence.Sequencer) *Store {
	if seq == nil {
		seq = sequence.New()
	}
	return &Store{
		backend: backend,
		seq:     seq,
		newID:   newConversationID,
		logger:  slog.Default(),
		sending: make(map[string]int),
	}
}

func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func newConversationID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Store) SetNavigator(nav Navigator) {
	s.mu.Lock()
	s.nav = nav
	s.mu.Unlock()
}

// LoadSessions rebuilds the session list from the dashboard. A session
// created locally and not yet known to the server stays at the front.
// On failure the list is left as it was.
func (s *Store) LoadSessions(ctx context.Context) error {
	_, err := sequence.Fetch(ctx, s.seq, slotSessions, s.backend.Dashboard, func(d api.Dashboard) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sessions = mergeSessions(s.sessions, d.Sessions.All)
		s.err = nil
	})
	if err != nil {
		s.logger.Warn("chat: loading sessions failed", "error", err)
		s.setErr(err)
		return fmt.Errorf("loading sessions: %w", err)
	}
	return nil
}

func mergeSessions(prev []Session, records []api.SessionRecord) []Session {
	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.ID] = true
	}
	out := make([]Session, 0, len(records)+1)
	for _, p := range prev {
		if p.Local && !known[p.ID] {
			out = append(out, p)
		}
	}
	for _, r := range records {
		var snippet string
		if n := len(r.RecentMessages); n > 0 {
			snippet = Snippet(r.RecentMessages[n-1].Content)
		}
		out = append(out, Session{ID: r.ID, Snippet: snippet})
	}
	return out
}

// Snippet truncates content to the first 30 characters.
func Snippet(content string) string {
	r := []rune(content)
	if len(r) <= snippetLen {
		return content
	}
	return string(r[:snippetLen])
}

// LoadTranscript makes id the active conversation and replaces the
// transcript with the server's. An empty id selects a new conversation and
// clears the transcript without a request. Only the latest call's response
// is applied.
func (s *Store) LoadTranscript(ctx context.Context, id string) error {
	return s.StartTranscript(id)(ctx)
}

// StartTranscript switches the active conversation and claims the
// transcript slot immediately; the returned func performs the fetch.
func (s *Store) StartTranscript(id string) func(context.Context) error {
	if id == "" {
		s.seq.Invalidate(slotTranscript)
		s.mu.Lock()
		s.activeID = ""
		s.transcript = nil
		s.mu.Unlock()
		return func(context.Context) error { return nil }
	}

	s.mu.Lock()
	if s.activeID != id {
		s.activeID = id
		s.transcript = nil
	}
	// Entries Send appends after this point are not in the response.
	mark := s.nextLocal
	s.mu.Unlock()

	run := sequence.Prepare(s.seq, slotTranscript, func(ctx context.Context) ([]api.Message, error) {
		return s.backend.Transcript(ctx, id)
	}, func(msgs []api.Message) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var later []Message
		for _, m := range s.transcript {
			if m.local > mark {
				later = append(later, m)
			}
		}
		later = withoutEchoed(msgs, later)
		next := make([]Message, 0, len(msgs)+len(later))
		for _, m := range msgs {
			next = append(next, Message{Message: m})
		}
		s.transcript = append(next, later...)
		s.err = nil
	})

	return func(ctx context.Context) error {
		applied, err := run(ctx)
		if err != nil {
			s.logger.Warn("chat: loading transcript failed", "conversation", id, "error", err)
			s.setErr(err)
			return fmt.Errorf("loading transcript %s: %w", id, err)
		}
		if !applied {
			s.logger.Debug("chat: dropping stale response", "conversation", id)
		}
		return nil
	}
}

// withoutEchoed drops the locally appended entries the server list already
// ends with, which happens when a send settled before the transcript was
// read. Only the tail of the server list is compared.
func withoutEchoed(server []api.Message, local []Message) []Message {
	if len(local) == 0 {
		return nil
	}
	tail := server[max(0, len(server)-len(local)):]
	used := make([]bool, len(tail))
	out := local[:0:0]
	for _, m := range local {
		echoed := false
		for i, t := range tail {
			if !used[i] && t.Role == m.Role && t.Content == m.Content {
				used[i], echoed = true, true
				break
			}
		}
		if !echoed {
			out = append(out, m)
		}
	}
	return out
}

// Send appends content as a user message right away, then posts it. An
// empty conversationID starts a new conversation under a freshly minted
// id; once the request settles that id is announced to the navigator and
// a session for it is put at the front of the list. The returned id is
// the one the message was sent to.
//
// On failure the user message stays in the transcript, still pending, and
// no assistant reply is added. A transcript load still in flight for the
// conversation keeps both messages when it lands.
//
// The navigator is only told about a new id while that conversation is
// still the active one; otherwise the user has already moved elsewhere.
func (s *Store) Send(ctx context.Context, conversationID, content string) (SendResult, error) {
	id := conversationID
	isNew := id == ""
	if isNew {
		var err error
		if id, err = s.newID(); err != nil {
			return SendResult{}, fmt.Errorf("minting conversation id: %w", err)
		}
		// Whatever transcript is in flight belongs to another conversation.
		s.seq.Invalidate(slotTranscript)
	}

	s.mu.Lock()
	if s.activeID != id {
		if !isNew {
			// A transcript in flight belongs to the previous conversation.
			s.seq.Invalidate(slotTranscript)
		}
		s.activeID = id
		s.transcript = nil
	}
	s.nextLocal++
	local := s.nextLocal
	s.transcript = append(s.transcript, Message{
		Message: api.Message{ConversationID: id, Role: api.RoleUser, Content: content},
		Pending: true,
		local:   local,
	})
	s.sending[id]++
	s.mu.Unlock()

	resp, err := s.backend.SendMessage(ctx, api.SendRequest{ConversationID: id, Message: content})

	s.mu.Lock()
	if s.sending[id]--; s.sending[id] <= 0 {
		delete(s.sending, id)
	}
	result := SendResult{ConversationID: id}
	if err == nil {
		result.Reply = api.Message{
			ConversationID:   id,
			Role:             api.RoleAssistant,
			Content:          resp.Reply,
			MutationsApplied: resp.MutationsApplied,
		}
	}
	if err == nil && s.activeID == id {
		for i := range s.transcript {
			if s.transcript[i].local == local {
				s.transcript[i].Pending = false
				break
			}
		}
		s.nextLocal++
		s.transcript = append(s.transcript, Message{Message: result.Reply, local: s.nextLocal})
	}
	var nav Navigator
	if isNew {
		s.sessions = append([]Session{{ID: id, Snippet: Snippet(content), Local: true}}, s.sessions...)
		if s.activeID == id {
			nav = s.nav
		}
	}
	s.mu.Unlock()

	if nav != nil {
		nav.ConversationEstablished(id)
	}

	if err != nil {
		return result, fmt.Errorf("sending message to %s: %w", id, err)
	}
	return result, nil
}

// SendResult is what Send reports: the conversation the message went to
// and, on success, the assistant's reply.
type SendResult struct {
	ConversationID string
	Reply          api.Message
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Sessions returns a copy of the session list.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Session(nil), s.sessions...)
}

// Transcript returns a copy of the active transcript.
func (s *Store) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.transcript...)
}

// ActiveID is empty in the new-conversation state.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Store) State(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sending[conversationID] > 0 {
		return Sending
	}
	return Idle
}

// Err returns the last read failure, cleared by the next successful read.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
