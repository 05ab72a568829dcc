package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation transcript.
type Message struct {
	ID               string     `json:"id,omitempty"`
	ConversationID   string     `json:"conversationId,omitempty"`
	Role             Role       `json:"role"`
	Content          string     `json:"content"`
	CreatedAt        *time.Time `json:"createdAt,omitempty"`
	MutationsApplied int        `json:"mutationsApplied,omitempty"`
}

// Dashboard is the aggregate resource returned by GET /dashboard.
type Dashboard struct {
	Memories DashboardMemories `json:"memories"`
	Sessions DashboardSessions `json:"sessions"`
}

// DashboardMemories keeps the memory section opaque apart from the recent list.
type DashboardMemories struct {
	Recent []json.RawMessage `json:"recent"`
}

type DashboardSessions struct {
	All []SessionRecord `json:"all"`
}

// SessionRecord is a server-side conversation with its latest messages.
type SessionRecord struct {
	ID             string    `json:"id"`
	RecentMessages []Message `json:"recentMessages"`
}

type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type SendResponse struct {
	Reply            string `json:"reply"`
	MutationsApplied int    `json:"mutationsApplied"`
}

// MemorySummary is the light list-view shape of a memory document.
type MemorySummary struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Type        string    `json:"type,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
	Preview     string    `json:"preview"`
}

type memoryList struct {
	Memories []MemorySummary `json:"memories"`
}

// MemoryDocument is the full record behind a memory id.
type MemoryDocument struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Metadata  Metadata  `json:"metadata"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MemoryPatch is the body of PATCH /api/memory/{id}.
type MemoryPatch struct {
	Filename string   `json:"filename"`
	Metadata Metadata `json:"metadata"`
	Content  string   `json:"content"`
}

// Metadata is the free-form metadata bag of a memory document. The keys
// type, tags, roles and aliases have typed accessors; everything else is
// carried through untouched.
type Metadata map[string]any

const (
	MetaType    = "type"
	MetaTags    = "tags"
	MetaRoles   = "roles"
	MetaAliases = "aliases"
)

func (m Metadata) Type() string {
	s, _ := m[MetaType].(string)
	return s
}

func (m Metadata) Tags() []string    { return m.strings(MetaTags) }
func (m Metadata) Roles() []string   { return m.strings(MetaRoles) }
func (m Metadata) Aliases() []string { return m.strings(MetaAliases) }

func (m Metadata) strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Clone returns a shallow copy. Nested values are shared.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Reminder mirrors the backend reminder record. A non-empty RRule marks
// the reminder as recurring and takes precedence over TriggerAt.
type Reminder struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	FCMToken        string     `json:"fcmToken"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	TriggerAt       *time.Time `json:"triggerAt"`
	RRule           string     `json:"rrule,omitempty"`
	Timezone        string     `json:"timezone"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (r Reminder) IsRecurring() bool { return r.RRule != "" }

type reminderList struct {
	Reminders []Reminder `json:"reminders"`
}

// CreateReminderRequest carries the raw natural-language text; the server
// turns it into a title and schedule.
type CreateReminderRequest struct {
	UserID          string `json:"userId"`
	FCMToken        string `json:"fcmToken"`
	NaturalLanguage string `json:"naturalLanguage"`
	Timezone        string `json:"timezone"`
}

// NextOccurrences is the server-computed schedule preview of a reminder.
type NextOccurrences struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	RRule           string      `json:"rrule"`
	Description     string      `json:"description"`
	LastTriggered   *time.Time  `json:"lastTriggered"`
	NextOccurrences []time.Time `json:"nextOccurrences"`
}

type OnboardRequest struct {
	UserID   string   `json:"userId"`
	Timezone string   `json:"timezone"`
	Data     []string `json:"data"`
}
