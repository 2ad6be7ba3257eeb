// Package workctx carries per-work ambient identity through the download
// call chain: which work is being processed, for which CSV entry, via
// which provider, and the per-(stem, provider, kind) sequence counters
// used to name artefact files.
//
// A Context is an immutable value describing one in-flight work. The
// scheduler builds it at task entry and derives a provider-scoped copy
// with WithProvider around each connector call; all copies share the
// same counter set, so file numbering stays monotonic across providers
// and retries. There is no goroutine-local state.
package workctx

import (
	"fmt"
	"sync"
)

type counterKey struct {
	stem string
	slug string
	kind string
}

// counterSet is the mutable part shared by every copy of a work's Context.
type counterSet struct {
	mu  sync.Mutex
	seq map[counterKey]int
}

// Context identifies one work for helpers that name files or record
// bytes. The identity fields never change after construction; use
// WithProvider to derive a copy for a specific connector call.
type Context struct {
	WorkID      string
	EntryID     string
	NameStem    string
	ProviderKey string

	counters *counterSet
}

// New creates a context for one work.
func New(workID, entryID, nameStem string) *Context {
	return &Context{
		WorkID:   workID,
		EntryID:  entryID,
		NameStem: nameStem,
		counters: &counterSet{seq: make(map[counterKey]int)},
	}
}

// WithProvider returns a copy marked with the given provider key. The
// copy shares the sequence counters with its parent.
func (c *Context) WithProvider(key string) *Context {
	out := *c
	out.ProviderKey = key
	return &out
}

// NextSeq returns the next 1-based sequence number for files named with
// the given stem, provider slug and kind (an extension, or "image" for
// page images). Numbers are never reused within a work, including after
// failed attempts.
func (c *Context) NextSeq(stem, slug, kind string) int {
	k := counterKey{stem: stem, slug: slug, kind: kind}
	c.counters.mu.Lock()
	defer c.counters.mu.Unlock()
	c.counters.seq[k]++
	return c.counters.seq[k]
}

// PeekSeq returns the last sequence number issued for a counter without
// advancing it.
func (c *Context) PeekSeq(stem, slug, kind string) int {
	c.counters.mu.Lock()
	defer c.counters.mu.Unlock()
	return c.counters.seq[counterKey{stem: stem, slug: slug, kind: kind}]
}

// CounterSnapshot returns a copy of the sequence counters keyed as
// "stem/slug/kind", for logging and tests.
func (c *Context) CounterSnapshot() map[string]int {
	c.counters.mu.Lock()
	defer c.counters.mu.Unlock()
	out := make(map[string]int, len(c.counters.seq))
	for k, v := range c.counters.seq {
		out[fmt.Sprintf("%s/%s/%s", k.stem, k.slug, k.kind)] = v
	}
	return out
}

// Clear starts file numbering afresh. The scheduler calls this when a
// worker releases the work.
func (c *Context) Clear() {
	c.counters.mu.Lock()
	c.counters.seq = make(map[counterKey]int)
	c.counters.mu.Unlock()
}
