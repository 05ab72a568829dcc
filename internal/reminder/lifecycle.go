// Package reminder manages the reminder collection. Schedules are always
// interpreted by the backend: create sends raw text, toggle takes the
// server's record as is, and occurrence previews are fetched, never
// computed.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/recurrence"
	"github.com/kalambet/brain/internal/sequence"
)

const (
	slotList = "reminder-list"

	DefaultTimezone        = "UTC"
	DefaultOccurrenceCount = 5
)

var (
	ErrEmptyRequest = errors.New("reminder text is empty")
	ErrNotFound     = errors.New("reminder not found")
)

// CommonTimezones are offered when asking the user for a zone.
var CommonTimezones = []string{
	"UTC",
	"America/New_York",
	"America/Los_Angeles",
	"America/Chicago",
	"Europe/London",
	"Europe/Paris",
	"Europe/Berlin",
	"Asia/Tokyo",
	"Asia/Shanghai",
	"Asia/Hong_Kong",
	"Australia/Sydney",
}

// Backend is implemented by api.Client.
type Backend interface {
	ListReminders(ctx context.Context, userID string) ([]api.Reminder, error)
	CreateReminder(ctx context.Context, req api.CreateReminderRequest) (api.Reminder, error)
	ToggleReminder(ctx context.Context, id string) (api.Reminder, error)
	DeleteReminder(ctx context.Context, id string) error
	NextOccurrences(ctx context.Context, id string, count int) (api.NextOccurrences, error)
}

type Lifecycle struct {
	backend  Backend
	seq      *sequence.Sequencer
	fcmToken string
	logger   *slog.Logger

	mu        sync.Mutex
	reminders []api.Reminder
	err       error
}

// NewLifecycle creates a lifecycle. fcmToken is attached to created
// reminders; registering it for push delivery happens elsewhere.
func NewLifecycle(backend Backend, seq *sequence.Sequencer, fcmToken string) *Lifecycle {
	if seq == nil {
		seq = sequence.New()
	}
	return &Lifecycle{backend: backend, seq: seq, fcmToken: fcmToken, logger: slog.Default()}
}

// SetLogger replaces the logger. A nil logger is ignored.
func (l *Lifecycle) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// List replaces the local collection with the user's reminders.
func (l *Lifecycle) List(ctx context.Context, userID string) error {
	applied, err := sequence.Fetch(ctx, l.seq, slotList, func(ctx context.Context) ([]api.Reminder, error) {
		return l.backend.ListReminders(ctx, userID)
	}, func(list []api.Reminder) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.reminders = list
		l.err = nil
	})
	if err != nil {
		l.logger.Warn("reminder: listing failed", "user", userID, "error", err)
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		return fmt.Errorf("listing reminders for %s: %w", userID, err)
	}
	if !applied {
		l.logger.Debug("reminder: dropping stale response", "user", userID)
	}
	return nil
}

// Create submits naturalLanguage for the backend to interpret and puts
// the returned reminder first. The text is trimmed and must not be empty;
// an empty timezone means UTC.
func (l *Lifecycle) Create(ctx context.Context, userID, naturalLanguage, timezone string) (api.Reminder, error) {
	text := strings.TrimSpace(naturalLanguage)
	if text == "" {
		return api.Reminder{}, ErrEmptyRequest
	}
	if timezone == "" {
		timezone = DefaultTimezone
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return api.Reminder{}, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}

	r, err := l.backend.CreateReminder(ctx, api.CreateReminderRequest{
		UserID:          userID,
		FCMToken:        l.fcmToken,
		NaturalLanguage: text,
		Timezone:        timezone,
	})
	if err != nil {
		return api.Reminder{}, fmt.Errorf("creating reminder: %w", err)
	}

	l.mu.Lock()
	l.reminders = append([]api.Reminder{r}, l.reminders...)
	l.mu.Unlock()
	return r, nil
}

// Toggle asks the backend to flip the active flag and stores the record it
// returns in place of the local one.
func (l *Lifecycle) Toggle(ctx context.Context, id string) (api.Reminder, error) {
	r, err := l.backend.ToggleReminder(ctx, id)
	if err != nil {
		return api.Reminder{}, fmt.Errorf("toggling reminder %s: %w", id, err)
	}

	l.mu.Lock()
	for i := range l.reminders {
		if l.reminders[i].ID == id {
			l.reminders[i] = r
			break
		}
	}
	l.mu.Unlock()
	return r, nil
}

func (l *Lifecycle) Remove(ctx context.Context, id string) error {
	if err := l.backend.DeleteReminder(ctx, id); err != nil {
		return fmt.Errorf("deleting reminder %s: %w", id, err)
	}

	l.mu.Lock()
	kept := l.reminders[:0:0]
	for _, r := range l.reminders {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	l.reminders = kept
	l.mu.Unlock()
	return nil
}

// NextOccurrences fetches the backend's preview of upcoming triggers.
// count <= 0 asks for DefaultOccurrenceCount.
func (l *Lifecycle) NextOccurrences(ctx context.Context, id string, count int) (api.NextOccurrences, error) {
	if count <= 0 {
		count = DefaultOccurrenceCount
	}
	n, err := l.backend.NextOccurrences(ctx, id, count)
	if err != nil {
		return api.NextOccurrences{}, fmt.Errorf("fetching next occurrences of %s: %w", id, err)
	}
	return n, nil
}

// Describe renders a schedule string, see recurrence.Describe.
func Describe(rrule string) string {
	return recurrence.Describe(rrule)
}

func (l *Lifecycle) Get(id string) (api.Reminder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.reminders {
		if r.ID == id {
			return r, nil
		}
	}
	return api.Reminder{}, ErrNotFound
}

func (l *Lifecycle) Reminders() []api.Reminder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]api.Reminder(nil), l.reminders...)
}

// Active and Inactive are filtered from the collection on every call.
func (l *Lifecycle) Active() []api.Reminder {
	return l.filter(true)
}

func (l *Lifecycle) Inactive() []api.Reminder {
	return l.filter(false)
}

func (l *Lifecycle) filter(active bool) []api.Reminder {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []api.Reminder
	for _, r := range l.reminders {
		if r.Active == active {
			out = append(out, r)
		}
	}
	return out
}

func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
