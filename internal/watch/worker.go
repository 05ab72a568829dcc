// Package watch polls the reminder collection and reports what changed
// between two polls: reminders that appeared, went away, fired or were
// switched on or off.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/brain/internal/api"
)

// ReminderSource is implemented by reminder.Lifecycle.
type ReminderSource interface {
	List(ctx context.Context, userID string) error
	Reminders() []api.Reminder
}

type Kind string

const (
	Added     Kind = "added"
	Removed   Kind = "removed"
	Triggered Kind = "triggered"
	Toggled   Kind = "toggled"
)

type Change struct {
	Kind     Kind
	Reminder api.Reminder
}

// Worker refreshes the reminders of one user on an interval.
type Worker struct {
	source ReminderSource
	userID string
	notify func(Change)
	poll   time.Duration
	logger *slog.Logger

	seen   map[string]api.Reminder
	primed bool
}

// NewWorker creates a Worker that calls notify for every change. If
// pollInterval is <= 0, it defaults to 30s.
func NewWorker(source ReminderSource, userID string, notify func(Change), pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if notify == nil {
		notify = func(Change) {}
	}
	return &Worker{
		source: source,
		userID: userID,
		notify: notify,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// SetLogger replaces the logger. A nil logger is ignored.
func (w *Worker) SetLogger(l *slog.Logger) {
	if l != nil {
		w.logger = l
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Warn("reminder poll failed", "user", w.userID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce refreshes the collection and reports changes since the previous
// successful poll. The first poll only records a baseline.
func (w *Worker) RunOnce(ctx context.Context) ([]Change, error) {
	if err := w.source.List(ctx, w.userID); err != nil {
		return nil, fmt.Errorf("refreshing reminders: %w", err)
	}

	current := w.source.Reminders()
	next := make(map[string]api.Reminder, len(current))
	for _, r := range current {
		next[r.ID] = r
	}

	var changes []Change
	if w.primed {
		changes = diff(w.seen, current, next)
	}
	w.seen = next
	w.primed = true

	for _, c := range changes {
		w.logger.Debug("reminder changed", "id", c.Reminder.ID, "kind", c.Kind)
		w.notify(c)
	}
	return changes, nil
}

// diff walks current in list order so changes come out in display order.
func diff(prev map[string]api.Reminder, current []api.Reminder, next map[string]api.Reminder) []Change {
	var changes []Change
	for _, r := range current {
		old, ok := prev[r.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Reminder: r})
		case triggeredSince(old, r):
			changes = append(changes, Change{Kind: Triggered, Reminder: r})
		case old.Active != r.Active:
			changes = append(changes, Change{Kind: Toggled, Reminder: r})
		}
	}
	for id, r := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: Removed, Reminder: r})
		}
	}
	return changes
}

func triggeredSince(old, cur api.Reminder) bool {
	if cur.LastTriggeredAt == nil {
		return false
	}
	return old.LastTriggeredAt == nil || cur.LastTriggeredAt.After(*old.LastTriggeredAt)
}
