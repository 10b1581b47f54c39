// Package audit records the per-session hook/transition history to an
// append-only text file and serves it back over HTTP.
package audit

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"sessiond/internal/hook"
	"sessiond/internal/machine"
)

const recentLinesCapacity = 200

// Sink is the write side the registry drives. Every method is best-effort:
// failures are logged and swallowed, per spec's TransientIO policy — audit
// loss must never fail a hook dispatch or a transition.
type Sink interface {
	Init(sessionID string, state machine.State)
	Hook(sessionID string, name hook.Name)
	Transition(sessionID string, prev, next machine.State, event machine.Event, source, toolUseID, toolName string)
}

// sessionIDPattern guards both the audit filename and the HTTP path
// segment against traversal (spec T7).
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type fileHandle struct {
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	recent     *ringBuffer
	initLogged bool
}

// Log is the audit Sink implementation: one append-only file per session
// under dir, plus an in-memory recent-lines cache per session.
type Log struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	handles map[string]*fileHandle
}

// New creates a Log rooted at dir. dir is created lazily on first write.
func New(dir string, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{dir: dir, log: log, handles: make(map[string]*fileHandle)}
}

func (l *Log) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+".audit.log")
}

func (l *Log) handle(sessionID string) *fileHandle {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.handles[sessionID]; ok {
		return h
	}
	h := &fileHandle{recent: newRingBuffer(recentLinesCapacity)}
	l.handles[sessionID] = h
	return h
}

func (l *Log) appendLine(sessionID, line string) {
	h := l.handle(sessionID)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent.Write(line)

	if h.f == nil {
		if err := os.MkdirAll(l.dir, 0o750); err != nil {
			l.log.Warn("audit: mkdir failed", "session", sessionID, "err", err)
			return
		}
		f, err := os.OpenFile(l.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			l.log.Warn("audit: open failed", "session", sessionID, "err", err)
			return
		}
		h.f = f
		h.w = bufio.NewWriter(f)
	}

	if _, err := h.w.WriteString(line + "\n"); err != nil {
		l.log.Warn("audit: write failed", "session", sessionID, "err", err)
		return
	}
	if err := h.w.Flush(); err != nil {
		l.log.Warn("audit: flush failed", "session", sessionID, "err", err)
	}
}

// Init appends the one-time "[init] <state>" line. A no-op after the first
// call for a given session within this process lifetime.
func (l *Log) Init(sessionID string, state machine.State) {
	h := l.handle(sessionID)
	h.mu.Lock()
	already := h.initLogged
	h.initLogged = true
	h.mu.Unlock()
	if already {
		return
	}
	l.appendLine(sessionID, fmt.Sprintf("[init] %s", state))
}

// Hook appends a "[hook] <name>" line for every hook received, including
// logging-only ones.
func (l *Log) Hook(sessionID string, name hook.Name) {
	l.appendLine(sessionID, fmt.Sprintf("[hook] %s", name))
}

// Transition appends a "prev -> next event:E source:S toolUseId:... tool:...
// ts:..." line; toolUseId and tool are omitted when empty.
func (l *Log) Transition(sessionID string, prev, next machine.State, event machine.Event, source, toolUseID, toolName string) {
	line := fmt.Sprintf("%s -> %s event:%s source:%s", prev, next, event, source)
	if toolUseID != "" {
		line += " toolUseId:" + toolUseID
	}
	if toolName != "" {
		line += " tool:" + toolName
	}
	l.appendLine(sessionID, fmt.Sprintf("%s ts:%s", line, time.Now().UTC().Format(time.RFC3339Nano)))
}

// ValidSessionID reports whether id is safe to use as a filename segment.
func ValidSessionID(id string) bool {
	return id != "" && sessionIDPattern.MatchString(id)
}

// Read returns the full on-disk contents of a session's audit log. If the
// disk read fails transiently, it falls back to the in-memory recent-lines
// cache rather than erroring, per spec's TransientIO policy. ok is false
// only when the session has never been recorded at all (on-disk and
// in-memory both empty).
func (l *Log) Read(sessionID string) (content []byte, ok bool) {
	data, err := os.ReadFile(l.path(sessionID))
	if err == nil {
		return data, true
	}

	l.mu.Lock()
	h, tracked := l.handles[sessionID]
	l.mu.Unlock()
	if !tracked {
		return nil, false
	}

	h.mu.Lock()
	lines := h.recent.ReadAll()
	h.mu.Unlock()
	if len(lines) == 0 {
		return nil, false
	}
	var buf []byte
	for _, line := range lines {
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	l.log.Warn("audit: serving from in-memory cache after disk read failure", "session", sessionID, "err", err)
	return buf, true
}

// Forget drops the in-memory handle for a removed session (its log file
// stays on disk; GET /logs/{id} keeps serving it via os.ReadFile).
func (l *Log) Forget(sessionID string) {
	l.mu.Lock()
	h, ok := l.handles[sessionID]
	delete(l.handles, sessionID)
	l.mu.Unlock()
	if !ok {
		return
	}
	h.mu.Lock()
	if h.f != nil {
		h.w.Flush()
		h.f.Close()
	}
	h.mu.Unlock()
}
