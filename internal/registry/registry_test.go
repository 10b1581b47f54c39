package registry

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"sessiond/internal/hook"
	"sessiond/internal/machine"
)

// fakeClock is a deterministic Clock/Timer pair driven by Advance instead
// of real sleeping, so the literal "advance clock N ms" scenarios in spec
// §8 translate directly into test code.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	seq []*fakeTimer
}

type fakeTimer struct {
	fireAt  time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	already := t.stopped || t.fired
	t.stopped = true
	return !already
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fireAt: c.now.Add(d), fn: f}
	c.seq = append(c.seq, t)
	return t
}

// Advance moves the clock forward by d, firing (in fireAt order) every
// still-pending timer whose deadline has now passed.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	pending := make([]*fakeTimer, len(c.seq))
	copy(pending, c.seq)
	c.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].fireAt.Before(pending[j].fireAt) })
	for _, t := range pending {
		if t.stopped || t.fired || t.fireAt.After(now) {
			continue
		}
		t.fired = true
		t.fn()
	}
}

func newTestRegistry(clock Clock) (*Registry, *fakeNotifier) {
	n := &fakeNotifier{}
	r := New(Config{Clock: clock, Notifier: n})
	return r, n
}

type fakeNotifier struct {
	mu      sync.Mutex
	changed []View
	removed []string
}

func (f *fakeNotifier) SessionChanged(v View) {
	f.mu.Lock()
	f.changed = append(f.changed, v)
	f.mu.Unlock()
}

func (f *fakeNotifier) SessionRemoved(id string, _ View) {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
}

func (f *fakeNotifier) pendingToolUseSeen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.changed {
		if v.HasPendingToolUse {
			return true
		}
	}
	return false
}

func userPromptSubmit(sid, cwd, prompt string) hook.Event {
	p, _ := hook.ParsePayload([]byte(`{"hookEventName":"UserPromptSubmit","sessionId":"` + sid + `"}`))
	p.Cwd = cwd
	p.Prompt = prompt
	return hook.Decode(p)
}

func preToolUse(sid, tool, id string) hook.Event {
	p, _ := hook.ParsePayload([]byte(`{"hookEventName":"PreToolUse","sessionId":"` + sid + `"}`))
	p.ToolName = tool
	p.ToolUseID = id
	return hook.Decode(p)
}

func permissionRequest(sid, tool, id string) hook.Event {
	p, _ := hook.ParsePayload([]byte(`{"hookEventName":"PermissionRequest","sessionId":"` + sid + `"}`))
	p.ToolName = tool
	p.ToolUseID = id
	return hook.Decode(p)
}

func postToolUse(sid, tool, id string) hook.Event {
	p, _ := hook.ParsePayload([]byte(`{"hookEventName":"PostToolUse","sessionId":"` + sid + `"}`))
	p.ToolName = tool
	p.ToolUseID = id
	return hook.Decode(p)
}

func postToolUseFailure(sid, tool, id string) hook.Event {
	p, _ := hook.ParsePayload([]byte(`{"hookEventName":"PostToolUseFailure","sessionId":"` + sid + `"}`))
	p.ToolName = tool
	p.ToolUseID = id
	return hook.Decode(p)
}

func stopEvent(sid string) hook.Event {
	p, _ := hook.ParsePayload([]byte(`{"hookEventName":"Stop","sessionId":"` + sid + `"}`))
	return hook.Decode(p)
}

func sessionEnd(sid, reason string) hook.Event {
	p, _ := hook.ParsePayload([]byte(`{"hookEventName":"SessionEnd","sessionId":"` + sid + `"}`))
	p.Reason = reason
	return hook.Decode(p)
}

// A. Simple turn, non-worktree.
func TestScenarioA_SimpleTurn(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("S1", "/c1", "hi")))
	v, _ := r.View("S1")
	if v.Published != machine.PublishedWorking {
		t.Fatalf("after UserPromptSubmit: published = %s, want working", v.Published)
	}

	must(t, r.Dispatch(ctx, stopEvent("S1")))
	v, _ = r.View("S1")
	if v.Published != machine.PublishedWaiting {
		t.Fatalf("after Stop: published = %s, want waiting", v.Published)
	}

	must(t, r.Dispatch(ctx, sessionEnd("S1", "")))
	v, _ = r.View("S1")
	if v.Published != machine.PublishedIdle {
		t.Fatalf("after SessionEnd: published = %s, want idle", v.Published)
	}
	if v.HasPendingToolUse {
		t.Fatalf("hasPendingToolUse should be false throughout scenario A")
	}
}

// B. Auto-approved tool within debounce window: no flicker into needsApproval.
func TestScenarioB_NoFlickerWithinDebounce(t *testing.T) {
	clock := newFakeClock()
	r, n := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("S2", "/c2", "hi")))
	must(t, r.Dispatch(ctx, preToolUse("S2", "EnterPlanMode", "T1")))
	must(t, r.Dispatch(ctx, permissionRequest("S2", "EnterPlanMode", "T1")))
	clock.Advance(500 * time.Millisecond)
	must(t, r.Dispatch(ctx, postToolUse("S2", "EnterPlanMode", "T1")))
	clock.Advance(3000 * time.Millisecond)

	v, _ := r.View("S2")
	if v.Published != machine.PublishedWorking {
		t.Fatalf("published = %s, want working", v.Published)
	}
	if n.pendingToolUseSeen() {
		t.Fatalf("expected zero snapshots with hasPendingToolUse=true")
	}
}

// C. Permission approved.
func TestScenarioC_PermissionApproved(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("S3", "/c3", "hi")))
	must(t, r.Dispatch(ctx, preToolUse("S3", "Bash", "T2")))
	must(t, r.Dispatch(ctx, permissionRequest("S3", "Bash", "T2")))
	clock.Advance(3100 * time.Millisecond)

	v, _ := r.View("S3")
	if v.MachineState != machine.NeedsApproval || !v.HasPendingToolUse {
		t.Fatalf("after debounce fires: state=%s pending=%v, want needsApproval/true", v.MachineState, v.HasPendingToolUse)
	}

	must(t, r.Dispatch(ctx, postToolUse("S3", "Bash", "T2")))
	v, _ = r.View("S3")
	if v.MachineState != machine.Working || v.HasPendingToolUse {
		t.Fatalf("after PostToolUse: state=%s pending=%v, want working/false", v.MachineState, v.HasPendingToolUse)
	}
}

// D. Permission denied.
func TestScenarioD_PermissionDenied(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("S3d", "/c3", "hi")))
	must(t, r.Dispatch(ctx, preToolUse("S3d", "Bash", "T2")))
	must(t, r.Dispatch(ctx, permissionRequest("S3d", "Bash", "T2")))
	clock.Advance(3100 * time.Millisecond)
	must(t, r.Dispatch(ctx, postToolUseFailure("S3d", "Bash", "T2")))

	v, _ := r.View("S3d")
	if v.MachineState != machine.Working || v.HasPendingToolUse {
		t.Fatalf("after PostToolUseFailure: state=%s pending=%v, want working/false", v.MachineState, v.HasPendingToolUse)
	}
}

// E. Concurrent sibling tool must not cancel the debounce.
func TestScenarioE_SiblingDoesNotCancelDebounce(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("S4", "/c4", "hi")))
	must(t, r.Dispatch(ctx, preToolUse("S4", "Bash", "TB")))
	must(t, r.Dispatch(ctx, permissionRequest("S4", "Bash", "TB")))
	clock.Advance(500 * time.Millisecond)
	must(t, r.Dispatch(ctx, preToolUse("S4", "Read", "TR")))
	must(t, r.Dispatch(ctx, postToolUse("S4", "Read", "TR")))
	clock.Advance(3000 * time.Millisecond)

	v, _ := r.View("S4")
	if v.MachineState != machine.NeedsApproval || !v.HasPendingToolUse {
		t.Fatalf("state=%s pending=%v, want needsApproval/true", v.MachineState, v.HasPendingToolUse)
	}
}

// F. Worktree Stop -> review, SessionEnd stays review, worktree deletion
// detected by stale-check -> idle.
func TestScenarioF_WorktreeStopAndDeletion(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(clock)
	ctx := context.Background()

	worktreeDir := t.TempDir()
	must(t, r.Dispatch(ctx, userPromptSubmit("S5", worktreeDir, "hi")))

	e := r.getEntry("S5")
	e.mu.Lock()
	e.s.Git.IsWorktree = true
	e.s.Git.WorktreeRoot = worktreeDir
	e.mu.Unlock()

	must(t, r.Dispatch(ctx, stopEvent("S5")))
	v, _ := r.View("S5")
	if v.MachineState != machine.Review {
		t.Fatalf("after Stop in worktree: state=%s, want review", v.MachineState)
	}

	must(t, r.Dispatch(ctx, sessionEnd("S5", "")))
	v, _ = r.View("S5")
	if v.MachineState != machine.Review {
		t.Fatalf("after SessionEnd: state=%s, want still review", v.MachineState)
	}

	if err := os.RemoveAll(worktreeDir); err != nil {
		t.Fatal(err)
	}
	r.runStaleCheck()
	v, _ = r.View("S5")
	if v.MachineState != machine.Idle {
		t.Fatalf("after worktree deletion + stale check: state=%s, want idle", v.MachineState)
	}
}

// G. Task lifecycle + auto-escalation.
func TestScenarioG_TaskLifecycle(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("S6", "/c6", "hi")))

	p, err := hook.ParsePayload([]byte(`{"hookEventName":"PreToolUse","sessionId":"S6"}`))
	must(t, err)
	p.ToolName = "Task"
	p.ToolUseID = "TK1"
	p.ToolInput = &hook.ToolInput{SubagentType: "Bash", Description: "Run tests"}
	must(t, r.Dispatch(ctx, hook.Decode(p)))

	v, _ := r.View("S6")
	if v.MachineState != machine.Tasking || len(v.ActiveTasks) != 1 {
		t.Fatalf("state=%s tasks=%d, want tasking/1", v.MachineState, len(v.ActiveTasks))
	}

	must(t, r.Dispatch(ctx, postToolUse("S6", "Task", "TK1")))
	v, _ = r.View("S6")
	if v.MachineState != machine.Working || len(v.ActiveTasks) != 0 {
		t.Fatalf("state=%s tasks=%d, want working/0", v.MachineState, len(v.ActiveTasks))
	}

	must(t, r.Dispatch(ctx, stopEvent("S6")))
	v, _ = r.View("S6")
	if v.MachineState != machine.Waiting {
		t.Fatalf("state=%s, want waiting", v.MachineState)
	}
}

// T2: needsApproval iff hasPendingToolUse.
func TestT2_NeedsApprovalImpliesPendingToolUse(t *testing.T) {
	clock := newFakeClock()
	r, _ := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("T2", "/c", "hi")))
	must(t, r.Dispatch(ctx, preToolUse("T2", "Bash", "X")))
	must(t, r.Dispatch(ctx, permissionRequest("T2", "Bash", "X")))
	clock.Advance(3100 * time.Millisecond)

	v, _ := r.View("T2")
	if (v.MachineState == machine.NeedsApproval) != v.HasPendingToolUse {
		t.Fatalf("needsApproval/%v pending/%v must agree", v.MachineState, v.HasPendingToolUse)
	}
}

// T4: debounce idempotence — repeated PermissionRequests within the window
// produce at most one needsApproval entry.
func TestT4_DebounceIdempotence(t *testing.T) {
	clock := newFakeClock()
	r, n := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("T4", "/c", "hi")))
	must(t, r.Dispatch(ctx, preToolUse("T4", "Bash", "X")))
	for i := 0; i < 5; i++ {
		must(t, r.Dispatch(ctx, permissionRequest("T4", "Bash", "X")))
		clock.Advance(200 * time.Millisecond)
	}
	clock.Advance(3100 * time.Millisecond)

	v, _ := r.View("T4")
	if v.MachineState != machine.NeedsApproval {
		t.Fatalf("state=%s, want needsApproval once the debounce fires", v.MachineState)
	}

	n.mu.Lock()
	entries := 0
	prev := machine.State("")
	for _, cv := range n.changed {
		if cv.MachineState == machine.NeedsApproval && prev != machine.NeedsApproval {
			entries++
		}
		prev = cv.MachineState
	}
	n.mu.Unlock()
	if entries != 1 {
		t.Fatalf("entered needsApproval %d times, want exactly 1", entries)
	}
}

// Idempotence law: repeating Stop while already waiting produces no
// additional transitions and no additional notifications.
func TestIdempotentStopWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	r, n := newTestRegistry(clock)
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("IW", "/c", "hi")))
	must(t, r.Dispatch(ctx, stopEvent("IW")))

	n.mu.Lock()
	before := len(n.changed)
	n.mu.Unlock()

	must(t, r.Dispatch(ctx, stopEvent("IW")))

	n.mu.Lock()
	after := len(n.changed)
	n.mu.Unlock()
	if after != before {
		t.Fatalf("repeating Stop in waiting produced %d extra notifications, want 0", after-before)
	}
}

// A session that only ever received UserPromptSubmit (no tool activity, no
// Stop) must still go stale: LastActivityAt has to be seeded at creation,
// not left zero forever.
func TestStaleCheck_FiresAfterSilentUserPromptSubmit(t *testing.T) {
	clock := newFakeClock()
	r := New(Config{Clock: clock, Notifier: &fakeNotifier{}, StaleThreshold: 60 * time.Second})
	ctx := context.Background()

	must(t, r.Dispatch(ctx, userPromptSubmit("SILENT", "/c", "hi")))
	v, _ := r.View("SILENT")
	if v.MachineState != machine.Working {
		t.Fatalf("state = %s, want working", v.MachineState)
	}

	clock.Advance(61 * time.Second)
	r.runStaleCheck()

	v, _ = r.View("SILENT")
	if v.MachineState != machine.Waiting {
		t.Fatalf("after stale check: state = %s, want waiting", v.MachineState)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
