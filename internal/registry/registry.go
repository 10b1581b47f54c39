// Package registry owns every live Session: the per-session mutex, the
// active-tool/active-task ledgers, the permission debounce and stale-check
// timers, and transitionSession — the sole call-site for the pure
// transition function in internal/machine. Grounded on the teacher's
// internal/session/manager.go: a top-level map guarded by its own mutex,
// with each entry additionally guarded by its own per-session mutex so
// that one session's work never blocks another's.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"sessiond/internal/audit"
	"sessiond/internal/gitprobe"
	"sessiond/internal/hook"
	"sessiond/internal/machine"
	"sessiond/internal/summarizer"
)

// Config bundles the tunables and collaborators a Registry needs. Zero
// durations fall back to spec defaults.
type Config struct {
	PermissionDelay    time.Duration // default 3000ms
	StaleCheckInterval time.Duration // default 10s
	StaleThreshold     time.Duration // default 60s

	Clock      Clock
	GitProber  gitprobe.Prober
	Summarizer *summarizer.Coalescer
	Audit      *audit.Log
	Notifier   Notifier
	Log        *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PermissionDelay <= 0 {
		c.PermissionDelay = 3000 * time.Millisecond
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = 10 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	if c.Notifier == nil {
		c.Notifier = NopNotifier{}
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Registry is the live session table.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*entry

	stopCh chan struct{}
}

// New constructs a Registry. Callers must call Run to start the stale
// check loop.
func New(cfg Config) *Registry {
	cfg.setDefaults()
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the periodic stale check (spec §4.5) and blocks until ctx is
// cancelled, mirroring the teacher's signal-driven component shutdown.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runStaleCheck()
		}
	}
}

// Stop ends Run's loop without needing a context, for callers (tests,
// graceful shutdown) that didn't wire one in.
func (r *Registry) Stop() { close(r.stopCh) }

func (r *Registry) getEntry(sessionID string) *entry {
	r.mu.RLock()
	e := r.sessions[sessionID]
	r.mu.RUnlock()
	return e
}

func (r *Registry) getOrCreateEntry(sessionID string, init func(*session)) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	created := false
	if !ok {
		s := newSession(sessionID)
		if init != nil {
			init(s)
		}
		e = &entry{s: s}
		r.sessions[sessionID] = e
		created = true
	}
	r.mu.Unlock()
	return e, created
}

func (r *Registry) removeEntry(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

// View returns a point-in-time copy of a session, or false if unknown.
func (r *Registry) View(sessionID string) (View, bool) {
	e := r.getEntry(sessionID)
	if e == nil {
		return View{}, false
	}
	e.mu.Lock()
	v := viewLocked(e)
	e.mu.Unlock()
	return v, true
}

// Dispatch is the ingest-facing entry point: one call per accepted hook
// payload (spec §4.2). It never returns an error for a logging-only
// event — those are always accepted once ParsePayload has validated the
// envelope.
func (r *Registry) Dispatch(ctx context.Context, ev hook.Event) error {
	if hook.IsLoggingOnly(ev.HookName()) {
		if r.cfg.Audit != nil {
			r.cfg.Audit.Hook(ev.SessionID(), ev.HookName())
		}
		return nil
	}

	switch e := ev.(type) {
	case hook.UserPromptSubmitEvent:
		return r.dispatchUserPromptSubmit(ctx, e)
	case hook.PermissionRequestEvent:
		return r.dispatchPermissionRequest(e)
	case hook.PreToolUseEvent:
		return r.dispatchPreToolUse(e)
	case hook.PostToolUseEvent:
		return r.dispatchPostToolUse(e)
	case hook.StopEvent:
		return r.dispatchStop(e)
	case hook.SessionEndEvent:
		return r.dispatchSessionEnd(e)
	case hook.PreCompactEvent:
		return r.dispatchPreCompact(e)
	default:
		return fmt.Errorf("unhandled hook event type %T", ev)
	}
}

func (r *Registry) dispatchUserPromptSubmit(ctx context.Context, e hook.UserPromptSubmitEvent) error {
	entry, created := r.getOrCreateEntry(e.SessionID(), func(s *session) {
		s.Cwd = e.Cwd
		s.LogFilePath = e.TranscriptPath
		s.OriginalPrompt = e.Prompt
		s.StartedAt = r.cfg.Clock.Now()
		s.LastActivityAt = s.StartedAt
		s.MachineState = machine.Working
	})

	if created {
		if r.cfg.Audit != nil {
			r.cfg.Audit.Init(e.SessionID(), machine.Working)
		}
		r.probeGitAsync(ctx, entry)
		r.requestSummaryAsync(ctx, entry)
		r.notifyChanged(entry)
		return nil
	}

	entry.mu.Lock()
	entry.s.LastActivityAt = r.cfg.Clock.Now()
	entry.mu.Unlock()
	r.transition(entry, machine.WORKING, "hook:UserPromptSubmit", "", "")
	return nil
}

func (r *Registry) dispatchPermissionRequest(e hook.PermissionRequestEvent) error {
	entry, created := r.getOrCreateEntry(e.SessionID(), func(s *session) {
		s.MachineState = machine.Waiting // unseen session, permissive per spec §9
	})
	if created && r.cfg.Audit != nil {
		r.cfg.Audit.Init(e.SessionID(), machine.Waiting)
	}

	entry.mu.Lock()
	resolved := e.ToolUseID
	var toolInput *hook.ToolInput
	if resolved == "" {
		resolved, toolInput = youngestActiveTool(entry.s, e.ToolName)
	} else if at, ok := entry.s.ActiveTools[resolved]; ok {
		toolInput = at.ToolInput
	}

	if entry.permissionPending && entry.permissionTimer != nil {
		entry.permissionTimer.Stop()
	}

	pending := &PendingPermission{
		ToolName:    e.ToolName,
		ToolInput:   toolInput,
		ToolUseID:   resolved,
		RequestedAt: r.cfg.Clock.Now(),
	}
	entry.pendingPermDraft = pending
	entry.permissionPending = true
	sessionID := e.SessionID()
	entry.permissionTimer = r.cfg.Clock.AfterFunc(r.cfg.PermissionDelay, func() {
		r.firePermission(sessionID)
	})
	entry.mu.Unlock()
	return nil
}

func (r *Registry) firePermission(sessionID string) {
	entry := r.getEntry(sessionID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	if !entry.permissionPending || entry.pendingPermDraft == nil {
		entry.mu.Unlock()
		return
	}
	entry.s.PendingPermission = entry.pendingPermDraft
	entry.pendingPermDraft = nil
	entry.permissionPending = false
	entry.permissionTimer = nil
	r.transitionLocked(entry, machine.PERMISSION_REQUEST, "permission-debounce", entry.s.PendingPermission.ToolUseID, entry.s.PendingPermission.ToolName)
	entry.mu.Unlock()
	r.notifyChanged(entry)
}

func (r *Registry) dispatchPreToolUse(e hook.PreToolUseEvent) error {
	entry, created := r.getOrCreateEntry(e.SessionID(), func(s *session) {
		s.MachineState = machine.Waiting
	})
	if created && r.cfg.Audit != nil {
		r.cfg.Audit.Init(e.SessionID(), machine.Waiting)
	}

	entry.mu.Lock()
	entry.s.ActiveTools[e.ToolUseID] = ActiveTool{
		ToolName:  e.ToolName,
		ToolInput: e.ToolInput,
		StartedAt: r.cfg.Clock.Now(),
	}
	isTask := e.ToolName == "Task"
	if isTask {
		agentType, description := "", ""
		if e.ToolInput != nil {
			agentType = e.ToolInput.SubagentType
			description = e.ToolInput.Description
		}
		entry.s.ActiveTasks[e.ToolUseID] = ActiveTask{
			AgentType:   agentType,
			Description: description,
			StartedAt:   r.cfg.Clock.Now(),
		}
	}
	entry.s.LastActivityAt = r.cfg.Clock.Now()
	if isTask {
		r.transitionLocked(entry, machine.TASK_STARTED, "hook:PreToolUse", e.ToolUseID, e.ToolName)
	}
	entry.mu.Unlock()

	r.notifyChanged(entry)
	return nil
}

func (r *Registry) dispatchPostToolUse(e hook.PostToolUseEvent) error {
	entry := r.getEntry(e.SessionID())
	if entry == nil {
		return nil // unknown session: true no-op, nothing to cancel either
	}

	entry.mu.Lock()
	// Selective debounce cancel: only when the pending debounce's resolved
	// toolUseId is unknown or matches this event's — a sibling tool
	// completing must never cancel another tool's permission wait.
	if entry.permissionPending && entry.pendingPermDraft != nil {
		resolved := entry.pendingPermDraft.ToolUseID
		if resolved == "" || resolved == e.ToolUseID {
			if entry.permissionTimer != nil {
				entry.permissionTimer.Stop()
			}
			entry.permissionTimer = nil
			entry.permissionPending = false
			entry.pendingPermDraft = nil
		}
	}

	if entry.s.MachineState == machine.NeedsApproval {
		entry.s.PendingPermission = nil
		r.transitionLocked(entry, machine.WORKING, "hook:PostToolUse", e.ToolUseID, e.ToolName)
	}

	if at, ok := entry.s.ActiveTools[e.ToolUseID]; ok {
		delete(entry.s.ActiveTools, e.ToolUseID)
		if at.ToolName == "Task" || e.ToolName == "Task" {
			delete(entry.s.ActiveTasks, e.ToolUseID)
			if len(entry.s.ActiveTasks) == 0 {
				r.transitionLocked(entry, machine.TASKS_DONE, "hook:PostToolUse", e.ToolUseID, e.ToolName)
			}
		}
	}
	entry.s.LastActivityAt = r.cfg.Clock.Now()
	entry.mu.Unlock()

	r.notifyChanged(entry)
	return nil
}

func (r *Registry) dispatchStop(e hook.StopEvent) error {
	entry := r.getEntry(e.SessionID())
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	cancelPermissionLocked(entry)
	wasCompacting := entry.s.CompactingSince != nil
	entry.s.CompactingSince = nil
	changed := r.transitionLocked(entry, machine.STOP, "hook:Stop", "", "")
	entry.mu.Unlock()
	if changed || wasCompacting {
		r.notifyChanged(entry)
	}
	return nil
}

func (r *Registry) dispatchSessionEnd(e hook.SessionEndEvent) error {
	entry := r.getEntry(e.SessionID())
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	// Spec §4.2/§9: waiting + ENDED is ignored only for the resumable
	// prompt_input_exit reason (the user exited at the input prompt, not a
	// real end) — a bare/default SessionEnd from waiting still reaches idle.
	if entry.s.MachineState == machine.Waiting && e.Reason == "prompt_input_exit" {
		entry.mu.Unlock()
		return nil
	}
	cancelPermissionLocked(entry)
	r.transitionLocked(entry, machine.ENDED, "hook:SessionEnd", "", "")
	entry.mu.Unlock()
	r.notifyChanged(entry)
	return nil
}

func (r *Registry) dispatchPreCompact(e hook.PreCompactEvent) error {
	entry := r.getEntry(e.SessionID())
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	now := r.cfg.Clock.Now()
	entry.s.CompactingSince = &now
	entry.mu.Unlock()
	r.notifyChanged(entry)
	return nil
}

// cancelPermissionLocked stops and clears any outstanding permission
// debounce. Caller must hold e.mu.
func cancelPermissionLocked(e *entry) {
	if e.permissionTimer != nil {
		e.permissionTimer.Stop()
	}
	e.permissionTimer = nil
	e.permissionPending = false
	e.pendingPermDraft = nil
}

// transition acquires e.mu then delegates to transitionLocked. It is the
// only entry point external callers use for a plain (non-debounce-fired)
// transition.
func (r *Registry) transition(e *entry, event machine.Event, source, toolUseID, toolName string) {
	e.mu.Lock()
	changed := r.transitionLocked(e, event, source, toolUseID, toolName)
	e.mu.Unlock()
	if changed {
		r.notifyChanged(e)
	}
}

// transitionLocked implements transitionSession (spec §4.3) assuming the
// caller already holds e.mu. It is safe to call recursively for the
// auto-escalation step (depth <= 1), which is the only reason this method
// is split out from the lock-acquiring Dispatch paths — sync.Mutex is not
// reentrant, so Dispatch must lock once and let every internal transition
// reuse that lock rather than re-acquiring it.
func (r *Registry) transitionLocked(e *entry, event machine.Event, source, toolUseID, toolName string) bool {
	prev := e.s.MachineState
	isWorktree := e.s.Git.IsWorktree
	next := machine.Transition(prev, event, isWorktree)
	if next == prev {
		return false
	}

	// On-exit side effects (step 4 of §4.3).
	leftActive := prev == machine.Working || prev == machine.Tasking || prev == machine.NeedsApproval
	enteredOther := next != machine.Working && next != machine.Tasking && next != machine.NeedsApproval
	if leftActive && enteredOther {
		cancelPermissionLocked(e)
	}
	if prev == machine.NeedsApproval && next != machine.NeedsApproval {
		e.s.PendingPermission = nil
	}

	e.s.MachineState = next
	if r.cfg.Audit != nil {
		r.cfg.Audit.Transition(e.s.SessionID, prev, next, event, source, toolUseID, toolName)
	}

	// Auto-escalation (step 7): landing on working with tasks still open
	// recursively re-applies TASK_STARTED so the observable state is
	// tasking. Depth is bounded at 1 because TASK_STARTED from working
	// always lands on tasking, never back on working.
	if next == machine.Working && len(e.s.ActiveTasks) > 0 {
		r.transitionLocked(e, machine.TASK_STARTED, "auto-escalation", "", "")
	}

	return true
}

// youngestActiveTool resolves a PermissionRequest with no toolUseId to the
// most recently started active tool of the same name, per spec §4.2.
func youngestActiveTool(s *session, toolName string) (string, *hook.ToolInput) {
	var bestID string
	var bestInput *hook.ToolInput
	var bestAt time.Time
	for id, t := range s.ActiveTools {
		if t.ToolName != toolName {
			continue
		}
		if bestID == "" || t.StartedAt.After(bestAt) {
			bestID, bestInput, bestAt = id, t.ToolInput, t.StartedAt
		}
	}
	return bestID, bestInput
}

func (r *Registry) notifyChanged(e *entry) {
	e.mu.Lock()
	v := viewLocked(e)
	e.mu.Unlock()
	r.cfg.Notifier.SessionChanged(v)
}

// --- content tailer integration (spec §4.4) ---

// BootstrapFromTailer creates a minimal waiting session for a log file the
// tailer discovered with no corresponding hook traffic yet, per spec §4.4's
// "the only indirect path by which the log tailer can create a session."
// It is a no-op if a session with this id already exists.
func (r *Registry) BootstrapFromTailer(sessionID, logFilePath, cwd string) {
	entry, created := r.getOrCreateEntry(sessionID, func(s *session) {
		s.LogFilePath = logFilePath
		s.Cwd = cwd
		s.StartedAt = r.cfg.Clock.Now()
		s.MachineState = machine.Waiting
	})
	if !created {
		return
	}
	if r.cfg.Audit != nil {
		r.cfg.Audit.Init(sessionID, machine.Waiting)
	}
	r.notifyChanged(entry)
}

// UpdateContentMetadata applies tailer-derived content metadata to a
// session. It never drives a state transition (spec §4.4).
func (r *Registry) UpdateContentMetadata(sessionID string, lastActivityAt time.Time, messageCount int, todo *TodoProgress) {
	entry := r.getEntry(sessionID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	if !lastActivityAt.IsZero() {
		entry.s.LastActivityAt = lastActivityAt
	}
	if messageCount > entry.s.MessageCount {
		entry.s.MessageCount = messageCount
	}
	if todo != nil {
		tp := *todo
		entry.s.TodoProgress = &tp
	}
	entry.mu.Unlock()
	r.notifyChanged(entry)
}

// RemoveSession drops a session from the registry (log file unlinked) and
// tells the notifier it is gone.
func (r *Registry) RemoveSession(sessionID string) {
	entry := r.getEntry(sessionID)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	v := viewLocked(entry)
	entry.mu.Unlock()

	r.removeEntry(sessionID)
	if r.cfg.Audit != nil {
		r.cfg.Audit.Forget(sessionID)
	}
	r.cfg.Notifier.SessionRemoved(sessionID, v)
}

// --- stale check (spec §4.5) ---

func (r *Registry) runStaleCheck() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := r.cfg.Clock.Now()
	for _, e := range entries {
		e.mu.Lock()
		state := e.s.MachineState
		lastActivity := e.s.LastActivityAt
		worktreeRoot := e.s.Git.WorktreeRoot
		e.mu.Unlock()

		switch state {
		case machine.Working:
			if !lastActivity.IsZero() && now.Sub(lastActivity) > r.cfg.StaleThreshold {
				r.transition(e, machine.STOP, "stale-check", "", "")
			}
		case machine.Review:
			if worktreeRoot != "" && !dirExists(worktreeRoot) {
				r.transition(e, machine.WORKTREE_DELETED, "stale-check", "", "")
			}
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// --- git probing / summarizer kickoff on session creation ---

func (r *Registry) probeGitAsync(ctx context.Context, e *entry) {
	if r.cfg.GitProber == nil {
		return
	}
	e.mu.Lock()
	cwd := e.s.Cwd
	e.mu.Unlock()
	if cwd == "" {
		return
	}
	go func() {
		info, err := r.cfg.GitProber.Resolve(ctx, cwd)
		if err != nil {
			r.cfg.Log.Warn("git probe failed", "cwd", cwd, "err", err)
			return
		}
		e.mu.Lock()
		e.s.Git = info
		e.mu.Unlock()
		r.notifyChanged(e)
	}()
}

func (r *Registry) requestSummaryAsync(ctx context.Context, e *entry) {
	if r.cfg.Summarizer == nil {
		return
	}
	e.mu.Lock()
	sessionID := e.s.SessionID
	prompt := e.s.OriginalPrompt
	e.mu.Unlock()

	r.cfg.Summarizer.Request(ctx, summarizer.Input{SessionID: sessionID, OriginalPrompt: prompt}, func(res summarizer.Result, err error) {
		if err != nil {
			r.cfg.Log.Warn("summarizer failed", "session", sessionID, "err", err)
			return
		}
		e.mu.Lock()
		e.s.Goal = res.Goal
		e.s.Summary = res.Summary
		e.mu.Unlock()
		r.notifyChanged(e)
	})
}
