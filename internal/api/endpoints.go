package api

import (
	"context"
	"fmt"
	"net/url"
)

// --- chat ---

func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var d Dashboard
	if err := c.get(ctx, "/dashboard", &d); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

func (c *Client) Transcript(ctx context.Context, conversationID string) ([]Message, error) {
	var msgs []Message
	if err := c.get(ctx, "/chat/"+url.PathEscape(conversationID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendRequest) (SendResponse, error) {
	var resp SendResponse
	if err := c.post(ctx, "/chat", req, &resp); err != nil {
		return SendResponse{}, err
	}
	return resp, nil
}

// --- memory ---

func (c *Client) ListMemories(ctx context.Context) ([]MemorySummary, error) {
	var list memoryList
	if err := c.get(ctx, "/api/memory", &list); err != nil {
		return nil, err
	}
	if list.Memories == nil {
		return []MemorySummary{}, nil
	}
	return list.Memories, nil
}

func (c *Client) GetMemory(ctx context.Context, id string) (MemoryDocument, error) {
	var doc MemoryDocument
	if err := c.get(ctx, "/api/memory/"+url.PathEscape(id), &doc); err != nil {
		return MemoryDocument{}, err
	}
	return doc, nil
}

// UpdateMemory submits the patch. The backend answers with an arbitrary
// subset of the updated document; fields it omits are left zero.
func (c *Client) UpdateMemory(ctx context.Context, id string, patch MemoryPatch) (MemoryDocument, error) {
	var doc MemoryDocument
	if err := c.patch(ctx, "/api/memory/"+url.PathEscape(id), patch, &doc); err != nil {
		return MemoryDocument{}, err
	}
	return doc, nil
}

func (c *Client) DeleteMemory(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/memory/"+url.PathEscape(id))
}

// --- reminders ---

func (c *Client) ListReminders(ctx context.Context, userID string) ([]Reminder, error) {
	var list reminderList
	if err := c.get(ctx, "/api/reminders/"+url.PathEscape(userID), &list); err != nil {
		return nil, err
	}
	if list.Reminders == nil {
		return []Reminder{}, nil
	}
	return list.Reminders, nil
}

func (c *Client) CreateReminder(ctx context.Context, req CreateReminderRequest) (Reminder, error) {
	var r Reminder
	if err := c.post(ctx, "/api/reminders", req, &r); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func (c *Client) ToggleReminder(ctx context.Context, id string) (Reminder, error) {
	var r Reminder
	if err := c.post(ctx, "/api/reminders/"+url.PathEscape(id)+"/toggle", nil, &r); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func (c *Client) DeleteReminder(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/reminders/"+url.PathEscape(id))
}

func (c *Client) NextOccurrences(ctx context.Context, id string, count int) (NextOccurrences, error) {
	var n NextOccurrences
	path := fmt.Sprintf("/api/reminders/%s/next?count=%d", url.PathEscape(id), count)
	if err := c.get(ctx, path, &n); err != nil {
		return NextOccurrences{}, err
	}
	return n, nil
}

// --- onboarding ---

func (c *Client) Onboard(ctx context.Context, req OnboardRequest) error {
	return c.post(ctx, "/onboard", req, nil)
}
