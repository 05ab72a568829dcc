// Package sequence discards out-of-order fetch results. Every fetch for a
// named slot is issued a token; only the result carrying the slot's latest
// token may be applied.
package sequence

import (
	"context"
	"sync"
)

// Token identifies one issued fetch for a slot.
type Token struct {
	slot string
	n    uint64
}

func (t Token) Slot() string { return t.slot }

// Sequencer hands out per-slot monotonically increasing tokens. The zero
// value is not usable; call New.
type Sequencer struct {
	mu     sync.Mutex
	latest map[string]uint64
}

func New() *Sequencer {
	return &Sequencer{latest: make(map[string]uint64)}
}

// Issue returns a new token for slot, superseding every earlier one.
func (s *Sequencer) Issue(slot string) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[slot]++
	return Token{slot: slot, n: s.latest[slot]}
}

// IsLatest reports whether t is still the most recent token of its slot.
func (s *Sequencer) IsLatest(t Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[t.slot] == t.n
}

// Invalidate makes every outstanding token of slot stale without issuing
// a new fetch.
func (s *Sequencer) Invalidate(slot string) {
	s.mu.Lock()
	s.latest[slot]++
	s.mu.Unlock()
}

// Commit runs apply only if t is still current. apply runs while the
// sequencer is locked, so no newer token can be issued between the check
// and the write. apply must not call back into the sequencer.
func (s *Sequencer) Commit(t Token, apply func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest[t.slot] != t.n {
		return false
	}
	apply()
	return true
}

// Fetch issues a token for slot, runs fetch, and hands the result to apply
// if the token is still current when fetch returns. A superseded fetch
// reports (false, nil) even if it failed: its outcome no longer matters.
func Fetch[T any](ctx context.Context, s *Sequencer, slot string, fetch func(context.Context) (T, error), apply func(T)) (bool, error) {
	return Prepare(s, slot, fetch, apply)(ctx)
}

// Prepare is Fetch with the token issued now and the fetch deferred to the
// returned func. Callers that start fetches on other goroutines use it so
// tokens follow the order of the requests, not of the goroutines.
func Prepare[T any](s *Sequencer, slot string, fetch func(context.Context) (T, error), apply func(T)) func(context.Context) (bool, error) {
	tok := s.Issue(slot)
	return func(ctx context.Context) (bool, error) {
		v, err := fetch(ctx)
		if err != nil {
			if !s.IsLatest(tok) {
				return false, nil
			}
			return false, err
		}
		return s.Commit(tok, func() { apply(v) }), nil
	}
}
