package registry

import (
	"sync"
	"time"

	"sessiond/internal/gitprobe"
	"sessiond/internal/hook"
	"sessiond/internal/machine"
)

// ActiveTool is one entry of a session's activeTools ledger.
type ActiveTool struct {
	ToolName  string
	ToolInput *hook.ToolInput
	StartedAt time.Time
}

// ActiveTask is one entry of a session's activeTasks ledger (a running
// Task sub-agent).
type ActiveTask struct {
	AgentType   string
	Description string
	StartedAt   time.Time
}

// PendingPermission describes the tool awaiting approval once the
// permission debounce fires. ToolUseID may be empty when the originating
// PermissionRequest carried none and none could be resolved from the
// ledger — spec's permissive "establish a permission anyway" behavior.
type PendingPermission struct {
	ToolName    string
	ToolInput   *hook.ToolInput
	ToolUseID   string
	RequestedAt time.Time
}

// TodoProgress is the most recently observed todo-list completion count.
type TodoProgress struct {
	Total     int
	Completed int
}

// session is the registry's internal record for one conversation. It is
// never exposed directly outside this package — callers only ever see a
// point-in-time copy (View).
type session struct {
	SessionID      string
	LogFilePath    string
	Cwd            string
	StartedAt      time.Time
	OriginalPrompt string

	MachineState      machine.State
	PendingPermission *PendingPermission

	LastActivityAt time.Time
	MessageCount   int
	TodoProgress   *TodoProgress
	LogTailOffset  int64

	ActiveTasks     map[string]ActiveTask // keyed by toolUseId
	ActiveTools     map[string]ActiveTool // keyed by toolUseId
	CompactingSince *time.Time

	Git gitprobe.Info

	Goal    string
	Summary string
}

func newSession(id string) *session {
	return &session{
		SessionID:   id,
		ActiveTasks: make(map[string]ActiveTask),
		ActiveTools: make(map[string]ActiveTool),
	}
}

// entry pairs a session with the mutex that exclusively guards it and the
// bookkeeping needed to run/cancel its permission debounce timer.
type entry struct {
	mu sync.Mutex
	s  *session

	permissionTimer   Timer
	permissionPending bool // timer scheduled, not yet fired
	// pendingPermDraft holds the resolved toolUseId/toolName/toolInput for
	// the in-flight debounce so PostToolUse's selective-cancel rule (spec
	// §4.2) can inspect the resolved id before the debounce ever fires and
	// sets s.PendingPermission.
	pendingPermDraft *PendingPermission
}

// View is an immutable, fully-copied snapshot of a session at one instant.
// It is the only representation of session state that ever crosses a
// package boundary out of registry — in particular, into internal/publish,
// which builds the externally published Snapshot from it. Copying (not
// sharing) the ledgers here is what lets the registry release its
// per-session lock before any I/O (publish, summarizer) happens, per
// spec §5's "no locks held across I/O calls" rule.
type View struct {
	SessionID      string
	Cwd            string
	StartedAt      time.Time
	OriginalPrompt string

	MachineState      machine.State
	Published         machine.Published
	HasPendingToolUse bool
	PendingToolName   string
	PendingToolInput  *hook.ToolInput

	LastActivityAt time.Time
	MessageCount   int
	TodoProgress   *TodoProgress

	ActiveTasks map[string]ActiveTask
	ActiveTools map[string]ActiveTool
	Compacting  bool

	Git gitprobe.Info

	Goal    string
	Summary string
}

// viewLocked copies e.s into a View. Caller must hold e.mu.
func viewLocked(e *entry) View {
	s := e.s
	v := View{
		SessionID:         s.SessionID,
		Cwd:               s.Cwd,
		StartedAt:         s.StartedAt,
		OriginalPrompt:    s.OriginalPrompt,
		MachineState:      s.MachineState,
		Published:         machine.ToPublished(s.MachineState),
		HasPendingToolUse: s.MachineState == machine.NeedsApproval,
		LastActivityAt:    s.LastActivityAt,
		MessageCount:      s.MessageCount,
		Compacting:        s.CompactingSince != nil,
		Git:               s.Git,
		Goal:              s.Goal,
		Summary:           s.Summary,
		ActiveTasks:       make(map[string]ActiveTask, len(s.ActiveTasks)),
		ActiveTools:       make(map[string]ActiveTool, len(s.ActiveTools)),
	}
	if s.PendingPermission != nil {
		v.PendingToolName = s.PendingPermission.ToolName
		v.PendingToolInput = s.PendingPermission.ToolInput
	}
	if s.TodoProgress != nil {
		tp := *s.TodoProgress
		v.TodoProgress = &tp
	}
	for k, t := range s.ActiveTasks {
		v.ActiveTasks[k] = t
	}
	for k, t := range s.ActiveTools {
		v.ActiveTools[k] = t
	}
	return v
}
