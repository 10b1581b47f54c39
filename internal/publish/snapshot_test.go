package publish

import (
	"reflect"
	"testing"
	"time"

	"sessiond/internal/machine"
	"sessiond/internal/registry"
)

func baseView(id string) registry.View {
	return registry.View{
		SessionID:     id,
		Published:     machine.PublishedWorking,
		ActiveTasks:   map[string]registry.ActiveTask{},
		ActiveTools:   map[string]registry.ActiveTool{},
		LastActivityAt: time.Unix(100, 0),
	}
}

func TestDerive_ExcludesTaskToolsFromActiveTools(t *testing.T) {
	v := baseView("s1")
	v.ActiveTools = map[string]registry.ActiveTool{
		"t1": {ToolName: "Bash"},
		"t2": {ToolName: "Task"},
	}
	snap := Derive(v)
	if len(snap.ActiveTools) != 1 || snap.ActiveTools[0].ToolName != "Bash" {
		t.Fatalf("ActiveTools = %+v, want only the Bash entry", snap.ActiveTools)
	}
}

func TestDerive_CompactingAddsSyntheticTask(t *testing.T) {
	v := baseView("s2")
	v.Compacting = true
	snap := Derive(v)
	found := false
	for _, task := range snap.ActiveTasks {
		if task.ToolUseID == "compacting" && task.AgentType == "System" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ActiveTasks = %+v, want a synthetic compacting entry", snap.ActiveTasks)
	}
}

func TestDerive_PendingToolOnlyWhenFlagSet(t *testing.T) {
	v := baseView("s3")
	v.HasPendingToolUse = false
	v.PendingToolName = "Bash" // stale leftover; should be ignored
	snap := Derive(v)
	if snap.PendingTool != nil {
		t.Fatalf("PendingTool = %+v, want nil when HasPendingToolUse is false", snap.PendingTool)
	}
}

func TestChanged_StatusDiffTriggersUpdate(t *testing.T) {
	a := Snapshot{PublishedStatus: machine.PublishedWorking}
	b := Snapshot{PublishedStatus: machine.PublishedWaiting}
	if !changed(a, b) {
		t.Fatal("expected status change to be detected")
	}
}

func TestChanged_MessageCountMustIncreaseStrictly(t *testing.T) {
	a := Snapshot{MessageCount: 5}
	same := Snapshot{MessageCount: 5}
	if changed(a, same) {
		t.Fatal("equal messageCount should not be treated as a change")
	}
	higher := Snapshot{MessageCount: 6}
	if !changed(a, higher) {
		t.Fatal("increased messageCount should be treated as a change")
	}
}

func TestChanged_GoalAloneDoesNotTrigger(t *testing.T) {
	a := Snapshot{Goal: "old"}
	b := Snapshot{Goal: "new"}
	if changed(a, b) {
		t.Fatal("goal/summary are excluded from the trigger set per spec §4.6's enumerated fields")
	}
}

func TestChanged_LedgerContentsDiffer(t *testing.T) {
	a := Snapshot{ActiveTools: []ToolEntry{{ToolUseID: "t1", ToolName: "Bash"}}}
	b := Snapshot{ActiveTools: []ToolEntry{{ToolUseID: "t1", ToolName: "Read"}}}
	if !changed(a, b) {
		t.Fatal("expected ledger content change to be detected")
	}
}

func TestSessionChanged_FirstObservationIsInsert(t *testing.T) {
	p := New(nil)
	v := baseView("new-session")

	p.SessionChanged(v)

	p.mu.Lock()
	_, ok := p.last["new-session"]
	p.mu.Unlock()
	if !ok {
		t.Fatal("expected first observation to be recorded")
	}
}

func TestSessionChanged_SuppressedWhenNothingRelevantChanges(t *testing.T) {
	p := New(nil)
	v := baseView("s4")
	p.SessionChanged(v)

	p.mu.Lock()
	before := p.last["s4"]
	p.mu.Unlock()

	p.SessionChanged(v) // identical view again

	p.mu.Lock()
	after := p.last["s4"]
	p.mu.Unlock()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("suppressed change should not alter the recorded snapshot")
	}
}
