// Package navigation binds the navigable location to store selection. The
// conversation id lives in the path (/chat/{id}) and the memory id in the
// fragment (/memory#{id}).
package navigation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnknownRoute is returned by Parse for a path no page is mounted on.
var ErrUnknownRoute = errors.New("unknown route")

type Page string

const (
	PageHome      Page = "home"
	PageDashboard Page = "dashboard"
	PageChat      Page = "chat"
	PageMemory    Page = "memory"
	PageOnboard   Page = "onboard"
	PageSettings  Page = "settings"
)

var pagePaths = map[Page]string{
	PageHome:      "/",
	PageDashboard: "/dashboard",
	PageChat:      "/chat",
	PageMemory:    "/memory",
	PageOnboard:   "/onboard",
	PageSettings:  "/settings",
}

// Route is a parsed location. ConversationID is only meaningful on
// PageChat and MemoryID only on PageMemory; an empty id means a new
// conversation or no selection.
type Route struct {
	Page           Page
	ConversationID string
	MemoryID       string
}

// Chat returns the route of a conversation, or of a new one for id "".
func Chat(id string) Route { return Route{Page: PageChat, ConversationID: id} }

// Memory returns the memory page with id selected, or nothing for id "".
func Memory(id string) Route { return Route{Page: PageMemory, MemoryID: id} }

// Parse accepts a path with optional fragment ("/memory#abc") or a full
// URL, of which only path and fragment are used.
func Parse(raw string) (Route, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Route{}, fmt.Errorf("parsing location %q: %w", raw, err)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	if path == "" {
		return Route{Page: PageHome}, nil
	}

	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case segs[0] == "chat" && len(segs) == 1:
		return Chat(""), nil
	case segs[0] == "chat" && len(segs) == 2:
		id, err := url.PathUnescape(segs[1])
		if err != nil {
			return Route{}, fmt.Errorf("parsing conversation id %q: %w", segs[1], err)
		}
		return Chat(id), nil
	case segs[0] == "memory" && len(segs) == 1:
		return Memory(u.Fragment), nil
	case len(segs) == 1:
		for p, pp := range pagePaths {
			if pp == path {
				return Route{Page: p}, nil
			}
		}
	}
	return Route{}, fmt.Errorf("%w: %s", ErrUnknownRoute, u.Path)
}

// String formats r back into a location accepted by Parse.
func (r Route) String() string {
	switch r.Page {
	case PageChat:
		if r.ConversationID == "" {
			return "/chat"
		}
		return "/chat/" + url.PathEscape(r.ConversationID)
	case PageMemory:
		if r.MemoryID == "" {
			return "/memory"
		}
		return "/memory#" + (&url.URL{Fragment: r.MemoryID}).EscapedFragment()
	}
	if p, ok := pagePaths[r.Page]; ok {
		return p
	}
	return "/"
}
