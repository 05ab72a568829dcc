package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/brain/internal/storage"
)

// ChatSelector is implemented by chat.Store. StartTranscript switches the
// active conversation right away and returns the fetch to run.
type ChatSelector interface {
	StartTranscript(conversationID string) func(context.Context) error
}

// MemorySelector is implemented by memory.Repository. StartDetail selects
// id right away and returns the fetch to run.
type MemorySelector interface {
	Select(id string)
	StartDetail(id string) func(context.Context) error
}

// LocationStore persists the current location between runs. Implemented
// by storage.Store.
type LocationStore interface {
	SetState(key, value string) error
	GetState(key string) (string, error)
}

// Kind says how an Event changes the history.
type Kind int

const (
	Push Kind = iota
	Replace
	Back
)

// Event is one navigation request. Location is ignored for Back.
type Event struct {
	Kind     Kind
	Location string
}

// Coordinator is the only place that turns a location change into
// selection: entering a conversation loads its transcript, changing the
// memory fragment selects and loads that document. The stores never read
// the location themselves.
type Coordinator struct {
	chat   ChatSelector
	memory MemorySelector
	logger *slog.Logger

	mu       sync.Mutex
	history  []Route
	persist  LocationStore
	onChange []func(Route)

	inflight sync.WaitGroup
}

// NewCoordinator starts at the home page.
func NewCoordinator(chat ChatSelector, memory MemorySelector) *Coordinator {
	return &Coordinator{
		chat:    chat,
		memory:  memory,
		logger:  slog.Default(),
		history: []Route{{Page: PageHome}},
	}
}

func (c *Coordinator) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// SetLocationStore makes every location change persisted under
// storage.KeyLocation.
func (c *Coordinator) SetLocationStore(s LocationStore) {
	c.mu.Lock()
	c.persist = s
	c.mu.Unlock()
}

// OnChange registers fn to be called with every new current route.
func (c *Coordinator) OnChange(fn func(Route)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// Current returns the route on top of the history.
func (c *Coordinator) Current() Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history[len(c.history)-1]
}

// Depth is the number of history entries, the current one included.
func (c *Coordinator) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Navigate pushes location and waits for the fetch it triggers.
func (c *Coordinator) Navigate(ctx context.Context, location string) error {
	return c.Handle(ctx, Event{Kind: Push, Location: location})
}

// Handle applies ev and runs the resulting fetch before returning.
func (c *Coordinator) Handle(ctx context.Context, ev Event) error {
	fetch, err := c.apply(ev)
	if err != nil {
		return err
	}
	if fetch == nil {
		return nil
	}
	return fetch(ctx)
}

// Run consumes events until the channel closes or ctx is done. Fetches
// run in the background so a slow response never holds up the next
// event; the stores drop whatever a later event superseded.
func (c *Coordinator) Run(ctx context.Context, events <-chan Event) {
	defer c.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fetch, err := c.apply(ev)
			if err != nil {
				c.logger.Warn("navigation: ignoring event", "location", ev.Location, "error", err)
				continue
			}
			if fetch == nil {
				continue
			}
			c.inflight.Add(1)
			go func() {
				defer c.inflight.Done()
				if err := fetch(ctx); err != nil {
					c.logger.Debug("navigation: fetch failed", "error", err)
				}
			}()
		}
	}
}

// ConversationEstablished replaces the current location with the new
// conversation without adding a history entry. The transcript is already
// in the chat store, so nothing is fetched. It only applies while the
// location is still the new-conversation page; once the user has moved on,
// the location stays where they put it.
func (c *Coordinator) ConversationEstablished(id string) {
	c.mu.Lock()
	if cur := c.history[len(c.history)-1]; cur != Chat("") {
		c.mu.Unlock()
		c.logger.Debug("navigation: not following new conversation", "conversation", id, "location", cur.String())
		return
	}
	r := Chat(id)
	c.history[len(c.history)-1] = r
	persist, listeners := c.persist, c.listeners()
	c.mu.Unlock()

	c.changed(r, persist, listeners)
}

// Restore replaces the current location with the persisted one, if any.
func (c *Coordinator) Restore(ctx context.Context) error {
	c.mu.Lock()
	persist := c.persist
	c.mu.Unlock()
	if persist == nil {
		return nil
	}

	loc, err := persist.GetState(storage.KeyLocation)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading saved location: %w", err)
	}
	return c.Handle(ctx, Event{Kind: Replace, Location: loc})
}

// apply updates the history and selection and returns the fetch the
// change calls for, or nil when the selection did not change. Selection
// happens here, in event order, so a fetch started later on another
// goroutine cannot overtake a newer one.
func (c *Coordinator) apply(ev Event) (func(context.Context) error, error) {
	var next Route
	if ev.Kind != Back {
		r, err := Parse(ev.Location)
		if err != nil {
			return nil, err
		}
		next = r
	}

	c.mu.Lock()
	prev := c.history[len(c.history)-1]
	switch ev.Kind {
	case Push:
		if next != prev {
			c.history = append(c.history, next)
		}
	case Replace:
		c.history[len(c.history)-1] = next
	case Back:
		if len(c.history) == 1 {
			c.mu.Unlock()
			return nil, nil
		}
		c.history = c.history[:len(c.history)-1]
		next = c.history[len(c.history)-1]
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	persist, listeners := c.persist, c.listeners()
	c.mu.Unlock()

	c.changed(next, persist, listeners)
	return c.fetchFor(prev, next), nil
}

func (c *Coordinator) fetchFor(prev, next Route) func(context.Context) error {
	switch next.Page {
	case PageChat:
		if prev.Page == PageChat && prev.ConversationID == next.ConversationID {
			return nil
		}
		return c.chat.StartTranscript(next.ConversationID)
	case PageMemory:
		if prev.Page == PageMemory && prev.MemoryID == next.MemoryID {
			return nil
		}
		if next.MemoryID == "" {
			c.memory.Select("")
			return nil
		}
		return c.memory.StartDetail(next.MemoryID)
	}
	return nil
}

// listeners must be called with c.mu held.
func (c *Coordinator) listeners() []func(Route) {
	return append([]func(Route)(nil), c.onChange...)
}

func (c *Coordinator) changed(r Route, persist LocationStore, listeners []func(Route)) {
	if persist != nil {
		if err := persist.SetState(storage.KeyLocation, r.String()); err != nil {
			c.logger.Warn("navigation: saving location failed", "location", r.String(), "error", err)
		}
	}
	for _, fn := range listeners {
		fn(r)
	}
}
