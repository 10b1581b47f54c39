// Package machine implements the pure session-status reducer: a total,
// deterministic function from (state, event, isWorktree) to the next state.
// Nothing in this package performs I/O or reads the clock.
package machine

// State is the internal machine state of a session. needsApproval is
// internal only; ToPublished maps it to PublishedWaiting, and the
// registry's View carries the pending-tool flag.
type State string

const (
	Working        State = "working"
	Tasking        State = "tasking"
	NeedsApproval  State = "needsApproval"
	Waiting        State = "waiting"
	Review         State = "review"
	Idle           State = "idle"
)

// Published is the externally visible status. needsApproval never appears
// here; callers derive it from State plus hasPendingToolUse.
type Published string

const (
	PublishedWorking Published = "working"
	PublishedTasking Published = "tasking"
	PublishedWaiting Published = "waiting"
	PublishedReview  Published = "review"
	PublishedIdle    Published = "idle"
)

// ToPublished maps an internal State to its externally published status.
// needsApproval collapses to waiting; the pending-tool flag carries the
// distinction (see View.HasPendingToolUse in package registry).
func ToPublished(s State) Published {
	if s == NeedsApproval {
		return PublishedWaiting
	}
	return Published(s)
}

// Event is the signal consumed by Transition. It carries no payload of its
// own: any data a side effect needs (toolUseId, reason, ...) travels
// alongside the event in the caller, never through the reducer.
type Event string

const (
	WORKING            Event = "WORKING"
	STOP               Event = "STOP"
	ENDED              Event = "ENDED"
	PERMISSION_REQUEST Event = "PERMISSION_REQUEST"
	WORKTREE_DELETED   Event = "WORKTREE_DELETED"
	TASK_STARTED       Event = "TASK_STARTED"
	TASKS_DONE         Event = "TASKS_DONE"
)

// Transition is the single source of truth for what state follows a given
// (state, event) pair. It is total: every (state, event) combination is
// handled, with "stay" as the default for combinations the table in
// spec leaves as a dot.
func Transition(state State, event Event, isWorktree bool) State {
	stopOrEnd := func() State {
		if isWorktree {
			return Review
		}
		if event == STOP {
			return Waiting
		}
		return Idle
	}

	switch state {
	case Working:
		switch event {
		case STOP, ENDED:
			return stopOrEnd()
		case PERMISSION_REQUEST:
			return NeedsApproval
		case TASK_STARTED:
			return Tasking
		}
		return Working

	case Tasking:
		switch event {
		case STOP, ENDED:
			return stopOrEnd()
		case PERMISSION_REQUEST:
			return NeedsApproval
		case TASKS_DONE:
			return Working
		}
		return Tasking

	case NeedsApproval:
		switch event {
		case WORKING:
			return Working
		case STOP, ENDED:
			return stopOrEnd()
		}
		return NeedsApproval

	case Waiting:
		switch event {
		case WORKING:
			return Working
		case ENDED:
			return stopOrEnd()
		case PERMISSION_REQUEST:
			return NeedsApproval
		}
		return Waiting

	case Review:
		switch event {
		case WORKING:
			return Working
		case WORKTREE_DELETED:
			return Idle
		}
		return Review

	case Idle:
		if event == WORKING {
			return Working
		}
		return Idle
	}

	return state
}
