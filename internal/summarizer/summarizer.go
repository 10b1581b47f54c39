// Package summarizer specifies the interface the publisher needs from the
// external LLM-backed text summarizer (out of scope per spec §1 — "only
// the interfaces they need are specified") plus a caller that delivers only
// the latest request's result per session.
package summarizer

import (
	"context"
	"strings"
	"sync"
)

// Input is what the summarizer needs to produce a goal/summary pair: the
// de-tagged original prompt and a small set of recent log entries (spec §4.6).
type Input struct {
	SessionID      string
	OriginalPrompt string
	RecentEntries  []string
}

// Result carries the derived textual fields. Either may be empty — spec
// requires snapshots to be publishable with empty summary fields first.
type Result struct {
	Goal    string
	Summary string
}

// Summarizer is the external collaborator's interface.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (Result, error)
}

// Offline is a deterministic, local stand-in for the real network+LLM
// summarizer. It never leaves the process: the real summarizer is
// explicitly out of scope for this daemon (spec §1), so no HTTP/LLM client
// library is introduced here, only the interface boundary and this stub.
type Offline struct{}

func (Offline) Summarize(_ context.Context, in Input) (Result, error) {
	goal := firstLine(in.OriginalPrompt, 80)
	return Result{Goal: goal, Summary: goal}, nil
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i != -1 {
		s = s[:i]
	}
	if len(s) > max {
		s = strings.TrimSpace(s[:max]) + "…"
	}
	return s
}

// Coalescer delivers only the newest Summarize result per session: a newer
// request supersedes an older one, whose result is dropped when it
// completes. Every Request starts its own Summarize call; calls for the
// same session are not limited to one in flight and are not cancelled.
// Grounded on the teacher's debounce-timer pattern in
// internal/watcher/watcher.go, reapplied to an async RPC instead of a
// filesystem recount.
type Coalescer struct {
	inner Summarizer

	mu      sync.Mutex
	inFlight map[string]int64 // sessionID -> generation of the newest request
}

// NewCoalescer wraps inner with per-session latest-result-wins delivery.
func NewCoalescer(inner Summarizer) *Coalescer {
	return &Coalescer{inner: inner, inFlight: make(map[string]int64)}
}

// Request starts (or supersedes) a summarize call for a session and
// delivers the result to onDone asynchronously. onDone is never called for
// a generation that was superseded before it completed.
func (c *Coalescer) Request(ctx context.Context, in Input, onDone func(Result, error)) {
	c.mu.Lock()
	gen := c.inFlight[in.SessionID] + 1
	c.inFlight[in.SessionID] = gen
	c.mu.Unlock()

	go func() {
		res, err := c.inner.Summarize(ctx, in)

		c.mu.Lock()
		current := c.inFlight[in.SessionID]
		c.mu.Unlock()
		if current != gen {
			return // superseded by a newer request; drop this result
		}
		onDone(res, err)
	}()
}
