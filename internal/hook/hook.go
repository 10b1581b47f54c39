// Package hook defines the wire shape of a hook payload, validates it, and
// decodes it into one of a small set of sealed HookEvent variants that the
// registry dispatches on.
package hook

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Name is the hookEventName enum carried on every payload.
type Name string

const (
	SessionStart       Name = "SessionStart"
	UserPromptSubmit   Name = "UserPromptSubmit"
	PreToolUse         Name = "PreToolUse"
	PermissionRequest  Name = "PermissionRequest"
	PostToolUse        Name = "PostToolUse"
	PostToolUseFailure Name = "PostToolUseFailure"
	Stop               Name = "Stop"
	SessionEnd         Name = "SessionEnd"
	PreCompact         Name = "PreCompact"
	Notification       Name = "Notification"
	SubagentStart      Name = "SubagentStart"
	SubagentStop       Name = "SubagentStop"
	TeammateIdle       Name = "TeammateIdle"
	TaskCompleted      Name = "TaskCompleted"
)

// loggingOnly is the set of hook names that never drive the state machine;
// they are appended to the audit log and otherwise ignored.
var loggingOnly = map[Name]bool{
	SessionStart:  true,
	Notification:  true,
	SubagentStart: true,
	SubagentStop:  true,
	TeammateIdle:  true,
	TaskCompleted: true,
}

// known is every accepted hookEventName.
var known = map[Name]bool{
	SessionStart: true, UserPromptSubmit: true, PreToolUse: true,
	PermissionRequest: true, PostToolUse: true, PostToolUseFailure: true,
	Stop: true, SessionEnd: true, PreCompact: true, Notification: true,
	SubagentStart: true, SubagentStop: true, TeammateIdle: true, TaskCompleted: true,
}

// IsLoggingOnly reports whether a hook name never drives the state machine.
func IsLoggingOnly(n Name) bool { return loggingOnly[n] }

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ToolInput carries the recognized inner keys of a hook's toolInput object.
// Unrecognized keys are silently dropped by JSON decoding, per spec.
type ToolInput struct {
	FilePath     string `json:"filePath,omitempty"`
	Command      string `json:"command,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	SubagentType string `json:"subagentType,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Payload is the raw JSON shape of a hook POST body.
type Payload struct {
	HookEventName  Name       `json:"hookEventName"`
	SessionID      string     `json:"sessionId"`
	TranscriptPath string     `json:"transcriptPath,omitempty"`
	Cwd            string     `json:"cwd,omitempty"`
	ToolName       string     `json:"toolName,omitempty"`
	ToolUseID      string     `json:"toolUseId,omitempty"`
	ToolInput      *ToolInput `json:"toolInput,omitempty"`
	PermissionMode string     `json:"permissionMode,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Prompt         string     `json:"prompt,omitempty"`
	Source         string     `json:"source,omitempty"`
	AgentID        string     `json:"agentId,omitempty"`
	AgentType      string     `json:"agentType,omitempty"`
}

// ParsePayload decodes and validates the shape of a raw hook request body.
// It does not know about sessions or machine state; it only rejects
// malformed JSON and schema violations (spec's InvalidRequest/SchemaMismatch).
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if p.HookEventName == "" {
		return nil, fmt.Errorf("missing required field 'hookEventName'")
	}
	if !known[p.HookEventName] {
		return nil, fmt.Errorf("unknown hookEventName: %s", p.HookEventName)
	}
	if p.SessionID == "" {
		return nil, fmt.Errorf("missing required field 'sessionId'")
	}
	if !sessionIDPattern.MatchString(p.SessionID) {
		return nil, fmt.Errorf("sessionId %q does not match [A-Za-z0-9_-]+", p.SessionID)
	}
	return &p, nil
}

// Event is the sealed set of hook variants the registry dispatches on.
// Every concrete type below implements it.
type Event interface {
	HookName() Name
	SessionID() string
}

type base struct {
	Name Name
	Sess string
}

func (b base) HookName() Name    { return b.Name }
func (b base) SessionID() string { return b.Sess }

// UserPromptSubmitEvent bootstraps a session if one doesn't exist.
type UserPromptSubmitEvent struct {
	base
	TranscriptPath string
	Cwd            string
	Prompt         string
}

// PermissionRequestEvent schedules the permission debounce.
type PermissionRequestEvent struct {
	base
	ToolName  string
	ToolUseID string // may be empty; resolved by the registry
}

// PreToolUseEvent adds to activeTools (and activeTasks when ToolName == "Task").
type PreToolUseEvent struct {
	base
	ToolName  string
	ToolUseID string
	ToolInput *ToolInput
}

// PostToolUseEvent completes a tool, selectively cancelling the debounce.
type PostToolUseEvent struct {
	base
	ToolName  string
	ToolUseID string
	Failed    bool
}

// StopEvent ends the current turn.
type StopEvent struct{ base }

// SessionEndEvent ends the session (subject to the waiting+reason policy).
type SessionEndEvent struct {
	base
	Reason string
}

// PreCompactEvent marks the session as compacting.
type PreCompactEvent struct{ base }

// LoggingOnlyEvent is appended to the audit log and never reaches the
// transition function.
type LoggingOnlyEvent struct{ base }

// Decode converts a validated Payload into its typed Event variant.
func Decode(p *Payload) Event {
	b := base{Name: p.HookEventName, Sess: p.SessionID}

	switch p.HookEventName {
	case UserPromptSubmit:
		return UserPromptSubmitEvent{base: b, TranscriptPath: p.TranscriptPath, Cwd: p.Cwd, Prompt: p.Prompt}
	case PermissionRequest:
		return PermissionRequestEvent{base: b, ToolName: p.ToolName, ToolUseID: p.ToolUseID}
	case PreToolUse:
		return PreToolUseEvent{base: b, ToolName: p.ToolName, ToolUseID: p.ToolUseID, ToolInput: p.ToolInput}
	case PostToolUse:
		return PostToolUseEvent{base: b, ToolName: p.ToolName, ToolUseID: p.ToolUseID, Failed: false}
	case PostToolUseFailure:
		return PostToolUseEvent{base: b, ToolName: p.ToolName, ToolUseID: p.ToolUseID, Failed: true}
	case Stop:
		return StopEvent{base: b}
	case SessionEnd:
		return SessionEndEvent{base: b, Reason: p.Reason}
	case PreCompact:
		return PreCompactEvent{base: b}
	default:
		return LoggingOnlyEvent{base: b}
	}
}
