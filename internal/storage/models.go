package storage

import (
	"errors"
	"time"
)

// ErrNotFound means no row exists for the key asked for.
var ErrNotFound = errors.New("not found")

// KeyLocation holds the route the client was last showing.
const KeyLocation = "location"

// Draft is an unsaved memory edit, kept after a failed save so the next
// invocation can resume it.
type Draft struct {
	MemoryID  string
	Filename  string
	Type      string
	Content   string
	UpdatedAt time.Time
}
