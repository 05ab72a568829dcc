// Package memory manages the memory document list, the selected document
// and an edit buffer that stays detached from the canonical record until a
// save succeeds.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/brain/internal/api"
	"github.com/kalambet/brain/internal/sequence"
	"github.com/kalambet/brain/internal/storage"
)

const (
	slotList   = "memory-list"
	slotDetail = "memory-detail"
)

var (
	ErrNoSelection = errors.New("no memory selected")
	ErrNotLoaded   = errors.New("selected memory not loaded")
)

// Backend is implemented by api.Client.
type Backend interface {
	ListMemories(ctx context.Context) ([]api.MemorySummary, error)
	GetMemory(ctx context.Context, id string) (api.MemoryDocument, error)
	UpdateMemory(ctx context.Context, id string, patch api.MemoryPatch) (api.MemoryDocument, error)
	DeleteMemory(ctx context.Context, id string) error
}

// DraftStore persists edit buffers whose save failed. Implemented by
// storage.Store.
type DraftStore interface {
	SaveDraft(d storage.Draft) error
	GetDraft(memoryID string) (storage.Draft, error)
	DeleteDraft(memoryID string) error
}

// Buffer holds the editable fields of the selected document.
type Buffer struct {
	Filename string
	Type     string
	Content  string
}

type Repository struct {
	backend Backend
	seq     *sequence.Sequencer
	logger  *slog.Logger

	mu        sync.Mutex
	drafts    DraftStore
	summaries []api.MemorySummary
	selected  string
	detail    *api.MemoryDocument
	buffer    Buffer
	editing   bool
	err       error
}

func NewRepository(backend Backend, seq *sequence.Sequencer) *Repository {
	if seq == nil {
		seq = sequence.New()
	}
	return &Repository{backend: backend, seq: seq, logger: slog.Default()}
}

func (r *Repository) SetLogger(l *slog.Logger) {
	if l != nil {
		r.logger = l
	}
}

// SetDrafts enables draft persistence. Without it failed saves keep the
// buffer in memory only.
func (r *Repository) SetDrafts(d DraftStore) {
	r.mu.Lock()
	r.drafts = d
	r.mu.Unlock()
}

// ListSummaries replaces the summary list. A failure keeps the old list.
func (r *Repository) ListSummaries(ctx context.Context) error {
	applied, err := sequence.Fetch(ctx, r.seq, slotList, r.backend.ListMemories, func(list []api.MemorySummary) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.summaries = list
		r.err = nil
	})
	if err != nil {
		r.logger.Warn("memory: listing summaries failed", "error", err)
		r.setErr(err)
		return fmt.Errorf("listing memories: %w", err)
	}
	if !applied {
		r.logger.Debug("memory: dropping stale response", "slot", slotList)
	}
	return nil
}

// Select makes id the selection. Switching to another id, or to "" for no
// selection, drops the loaded detail and any unsaved edit, and turns any
// detail fetch still in flight into a no-op. Selecting the current id does
// nothing.
func (r *Repository) Select(id string) {
	r.mu.Lock()
	same := r.selected == id
	r.mu.Unlock()
	if same {
		return
	}

	r.seq.Invalidate(slotDetail)

	r.mu.Lock()
	r.selected = id
	r.detail = nil
	r.buffer = Buffer{}
	r.editing = false
	r.mu.Unlock()
}

// LoadDetail selects id and fetches its document. On arrival the edit
// buffer is seeded from the record and edit mode is switched off. Only the
// latest call's response is applied; older ones are dropped.
func (r *Repository) LoadDetail(ctx context.Context, id string) error {
	return r.StartDetail(id)(ctx)
}

// StartDetail selects id and claims the detail slot immediately; the
// returned func performs the fetch. A later StartDetail or Select makes
// it a no-op even if it has not run yet.
func (r *Repository) StartDetail(id string) func(context.Context) error {
	r.Select(id)

	run := sequence.Prepare(r.seq, slotDetail, func(ctx context.Context) (api.MemoryDocument, error) {
		return r.backend.GetMemory(ctx, id)
	}, func(doc api.MemoryDocument) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.detail = &doc
		r.buffer = Buffer{Filename: doc.Filename, Type: doc.Metadata.Type(), Content: doc.Content}
		r.editing = false
		r.err = nil
	})

	return func(ctx context.Context) error {
		applied, err := run(ctx)
		if err != nil {
			r.logger.Warn("memory: loading detail failed", "id", id, "error", err)
			r.setErr(err)
			return fmt.Errorf("loading memory %s: %w", id, err)
		}
		if !applied {
			r.logger.Debug("memory: dropping stale response", "id", id)
		}
		return nil
	}
}

// Fetch reads id from the backend without selecting it. Selection, the
// loaded detail and the edit buffer are left alone.
func (r *Repository) Fetch(ctx context.Context, id string) (api.MemoryDocument, error) {
	doc, err := r.backend.GetMemory(ctx, id)
	if err != nil {
		return api.MemoryDocument{}, fmt.Errorf("reading memory %s: %w", id, err)
	}
	return doc, nil
}

// BeginEdit enters edit mode without touching the buffer.
func (r *Repository) BeginEdit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selected == "" {
		return ErrNoSelection
	}
	if r.detail == nil {
		return ErrNotLoaded
	}
	r.editing = true
	return nil
}

// CancelEdit leaves edit mode. The buffer is kept as is, so a later
// BeginEdit resumes the abandoned edit rather than the fetched values.
func (r *Repository) CancelEdit() {
	r.mu.Lock()
	r.editing = false
	r.mu.Unlock()
}

func (r *Repository) SetContent(s string) {
	r.mu.Lock()
	r.buffer.Content = s
	r.mu.Unlock()
}

func (r *Repository) SetFilename(s string) {
	r.mu.Lock()
	r.buffer.Filename = s
	r.mu.Unlock()
}

func (r *Repository) SetType(s string) {
	r.mu.Lock()
	r.buffer.Type = s
	r.mu.Unlock()
}

// RestoreDraft loads a persisted draft for the selected document into the
// buffer and enters edit mode. It reports whether a draft existed.
func (r *Repository) RestoreDraft() (bool, error) {
	r.mu.Lock()
	id, loaded, drafts := r.selected, r.detail != nil, r.drafts
	r.mu.Unlock()
	switch {
	case id == "":
		return false, ErrNoSelection
	case !loaded:
		return false, ErrNotLoaded
	case drafts == nil:
		return false, nil
	}

	d, err := drafts.GetDraft(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading draft for %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selected != id {
		return false, nil
	}
	r.buffer = Buffer{Filename: d.Filename, Type: d.Type, Content: d.Content}
	r.editing = true
	return true, nil
}

// Save submits the buffer merged over the current metadata: the buffer's
// type replaces metadata.type and every other key is sent back unchanged.
// On success the canonical document takes the submitted shape, edit mode
// ends and the summary list is refreshed. On failure edit mode and the
// buffer are left alone.
func (r *Repository) Save(ctx context.Context) error {
	r.mu.Lock()
	if r.selected == "" {
		r.mu.Unlock()
		return ErrNoSelection
	}
	if r.detail == nil {
		r.mu.Unlock()
		return ErrNotLoaded
	}
	id := r.selected
	buf := r.buffer
	meta := r.detail.Metadata.Clone()
	drafts := r.drafts
	r.mu.Unlock()

	meta[api.MetaType] = buf.Type
	patch := api.MemoryPatch{Filename: buf.Filename, Metadata: meta, Content: buf.Content}

	resp, err := r.backend.UpdateMemory(ctx, id, patch)
	if err != nil {
		if drafts != nil {
			d := storage.Draft{MemoryID: id, Filename: buf.Filename, Type: buf.Type, Content: buf.Content}
			if derr := drafts.SaveDraft(d); derr != nil {
				r.logger.Warn("memory: keeping draft failed", "id", id, "error", derr)
			}
		}
		return fmt.Errorf("saving memory %s: %w", id, err)
	}

	r.mu.Lock()
	if r.detail != nil && r.detail.ID == id {
		r.detail.Filename = patch.Filename
		r.detail.Metadata = patch.Metadata
		r.detail.Content = patch.Content
		if !resp.UpdatedAt.IsZero() {
			r.detail.UpdatedAt = resp.UpdatedAt
		}
	}
	if r.selected == id {
		r.editing = false
	}
	r.mu.Unlock()

	if drafts != nil {
		if derr := drafts.DeleteDraft(id); derr != nil {
			r.logger.Warn("memory: clearing draft failed", "id", id, "error", derr)
		}
	}

	// The save itself succeeded; a failed refresh is only logged.
	_ = r.ListSummaries(ctx)
	return nil
}

// Remove deletes id remotely, then drops it from the list and clears the
// selection if it was selected.
func (r *Repository) Remove(ctx context.Context, id string) error {
	if err := r.backend.DeleteMemory(ctx, id); err != nil {
		return fmt.Errorf("deleting memory %s: %w", id, err)
	}

	r.mu.Lock()
	kept := r.summaries[:0:0]
	for _, s := range r.summaries {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	r.summaries = kept
	wasSelected := r.selected == id
	drafts := r.drafts
	r.mu.Unlock()

	if wasSelected {
		r.Select("")
	}
	if drafts != nil {
		if err := drafts.DeleteDraft(id); err != nil {
			r.logger.Warn("memory: clearing draft failed", "id", id, "error", err)
		}
	}
	return nil
}

// Search filters the loaded summaries by a case-insensitive substring of
// filename or id. An empty query returns every summary.
func (r *Repository) Search(query string) []api.MemorySummary {
	q := strings.ToLower(strings.TrimSpace(query))

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.MemorySummary, 0, len(r.summaries))
	for _, s := range r.summaries {
		if q == "" || strings.Contains(strings.ToLower(s.Filename), q) || strings.Contains(strings.ToLower(s.ID), q) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Repository) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Repository) Summaries() []api.MemorySummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.MemorySummary(nil), r.summaries...)
}

// Selected returns the selected id, or "" when nothing is selected.
func (r *Repository) Selected() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}

// Detail returns a copy of the loaded document of the current selection.
func (r *Repository) Detail() (api.MemoryDocument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detail == nil {
		return api.MemoryDocument{}, false
	}
	doc := *r.detail
	doc.Metadata = doc.Metadata.Clone()
	return doc, true
}

func (r *Repository) Buffer() Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

func (r *Repository) Editing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editing
}

// Err returns the last read failure, cleared by the next successful read.
func (r *Repository) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
