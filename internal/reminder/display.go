package reminder

import (
	"time"

	"github.com/kalambet/brain/internal/api"
)

const triggerLayout = "Jan 2, 2006 3:04 PM"

// When is the one-line schedule of r: the recurrence description when
// recurring, else the trigger time in the reminder's zone, else "".
func When(r api.Reminder) string {
	if r.IsRecurring() {
		return Describe(r.RRule)
	}
	if r.TriggerAt == nil {
		return ""
	}
	loc, err := time.LoadLocation(TimezoneLabel(r))
	if err != nil {
		loc = time.UTC
	}
	return r.TriggerAt.In(loc).Format(triggerLayout)
}

// TimezoneLabel is r's zone, UTC when unset.
func TimezoneLabel(r api.Reminder) string {
	if r.Timezone == "" {
		return DefaultTimezone
	}
	return r.Timezone
}

// CopyText is the clipboard form of a reminder.
func CopyText(r api.Reminder) string {
	return r.Title + " - " + r.Body
}
