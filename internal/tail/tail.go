// Package tail watches the session log-file directory tree and
// incrementally parses each tracked file for content metadata —
// lastActivityAt, messageCount, todoProgress — without ever driving a
// state transition itself (spec §4.4). Grounded on the teacher's
// internal/watcher/watcher.go for the fsnotify/debounce half and on
// other_examples/mrf-agent-racer__monitor.go's offset-tracking parse loop
// for the incremental-read half.
package tail

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sessiond/internal/registry"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultCoalesceInterval = 200 * time.Millisecond
	watchDepth              = 2
)

// sidechainSuffix marks a sub-agent sidechain transcript, excluded from
// tailing per spec §4.4. The exact pattern is left unspecified by spec.md;
// this is the concrete choice recorded in DESIGN.md.
const sidechainSuffix = "-sidechain.jsonl"

// Tailer watches a directory tree of append-only session transcripts and
// feeds parsed content metadata into a Registry.
type Tailer struct {
	reg              *registry.Registry
	log              *slog.Logger
	coalesceInterval time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	files   map[string]*trackedFile // absolute path -> state
	cancel  chan struct{}
}

type trackedFile struct {
	sessionID string
	offset    int64
	timer     *time.Timer
}

// New creates a Tailer bound to reg. coalesceInterval is the per-file
// write-coalescing window (spec §6 debounceMs); a zero value falls back to
// the spec default of 200ms. Call Watch to start.
func New(reg *registry.Registry, log *slog.Logger, coalesceInterval time.Duration) *Tailer {
	if log == nil {
		log = slog.Default()
	}
	if coalesceInterval <= 0 {
		coalesceInterval = defaultCoalesceInterval
	}
	return &Tailer{reg: reg, log: log, coalesceInterval: coalesceInterval, files: make(map[string]*trackedFile)}
}

// Watch starts watching dir recursively (depth ~2) and bootstraps any
// pre-existing, non-sidechain transcripts found there.
func (t *Tailer) Watch(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := addDirsRecursive(w, dir, watchDepth); err != nil {
		w.Close()
		return err
	}

	t.mu.Lock()
	t.watcher = w
	t.cancel = make(chan struct{})
	t.mu.Unlock()

	t.bootstrapExisting(dir)

	go t.loop(w)
	return nil
}

// Shutdown stops the watcher and any outstanding coalesce timers.
func (t *Tailer) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
	for _, f := range t.files {
		if f.timer != nil {
			f.timer.Stop()
		}
	}
	if t.watcher != nil {
		t.watcher.Close()
	}
}

func (t *Tailer) bootstrapExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !isSessionLog(d.Name()) {
			return nil
		}
		t.onCreateOrWrite(path)
		return nil
	})
}

func (t *Tailer) loop(w *fsnotify.Watcher) {
	for {
		select {
		case <-t.cancel:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			t.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			t.log.Warn("tail watcher error", "err", err)
		}
	}
}

func (t *Tailer) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			t.mu.Lock()
			w := t.watcher
			t.mu.Unlock()
			if w != nil {
				addDirsRecursive(w, ev.Name, watchDepth)
			}
			return
		}
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		t.onRemove(ev.Name)
		return
	}

	if !isSessionLog(filepath.Base(ev.Name)) {
		return
	}
	if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
		t.onCreateOrWrite(ev.Name)
	}
}

// onCreateOrWrite schedules a per-file coalesced read, latest-wins,
// per spec §4.4's ~200ms per-file debounce.
func (t *Tailer) onCreateOrWrite(path string) {
	t.mu.Lock()
	f, ok := t.files[path]
	if !ok {
		f = &trackedFile{sessionID: sessionIDFromFilename(path)}
		t.files[path] = f
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(t.coalesceInterval, func() { t.readNewData(path) })
	t.mu.Unlock()
}

func (t *Tailer) onRemove(path string) {
	t.mu.Lock()
	f, ok := t.files[path]
	if ok {
		if f.timer != nil {
			f.timer.Stop()
		}
		delete(t.files, path)
	}
	t.mu.Unlock()

	if ok {
		t.reg.RemoveSession(f.sessionID)
	}
}

func (t *Tailer) readNewData(path string) {
	t.mu.Lock()
	f, ok := t.files[path]
	t.mu.Unlock()
	if !ok {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		t.log.Warn("tail stat failed", "path", path, "err", err) // TransientIO: swallow per spec §7
		return
	}

	file, err := os.Open(path)
	if err != nil {
		t.log.Warn("tail open failed", "path", path, "err", err)
		return
	}
	defer file.Close()

	t.mu.Lock()
	offset := f.offset
	sessionID := f.sessionID
	t.mu.Unlock()

	if info.Size() <= offset {
		return
	}
	if _, err := file.Seek(offset, 0); err != nil {
		t.log.Warn("tail seek failed", "path", path, "err", err)
		return
	}

	reg, sessionExists := t.reg.View(sessionID)

	reader := bufio.NewReader(file)
	var advanced int64
	var lastActivity time.Time
	messageDelta := 0
	var todo *registry.TodoProgress

	for {
		line, err := reader.ReadBytes('\n')
		complete := err == nil
		if len(line) == 0 {
			break
		}
		if !complete {
			// Partial line: a write is still in flight. Don't advance past
			// it; the next coalesced read will see it complete.
			break
		}
		advanced += int64(len(line))

		rec, parseErr := parseRecord(bytes.TrimRight(line, "\n"))
		if parseErr != nil {
			continue // malformed record: skip it, still advance past its bytes
		}

		if ts := rec.timestamp(); !ts.IsZero() {
			lastActivity = ts
		}
		if rec.countsAsMessage() {
			messageDelta++
		}
		if tp := rec.todoProgress(); tp != nil {
			todo = tp
		}
	}

	t.mu.Lock()
	f.offset = offset + advanced
	t.mu.Unlock()

	if advanced == 0 {
		return
	}

	if !sessionExists {
		cwd := filepath.Dir(path)
		t.reg.BootstrapFromTailer(sessionID, path, cwd)
		reg, _ = t.reg.View(sessionID)
	}

	newCount := reg.MessageCount + messageDelta
	t.reg.UpdateContentMetadata(sessionID, lastActivity, newCount, todo)
}

func isSessionLog(name string) bool {
	if !strings.HasSuffix(name, ".jsonl") {
		return false
	}
	return !strings.HasSuffix(name, sidechainSuffix)
}

func sessionIDFromFilename(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ".jsonl")
}

func addDirsRecursive(w *fsnotify.Watcher, root string, maxDepth int) error {
	rootDepth := strings.Count(filepath.Clean(root), string(filepath.Separator))
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		depth := strings.Count(filepath.Clean(path), string(filepath.Separator)) - rootDepth
		if depth > maxDepth {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// record is the subset of a parsed transcript line spec §4.4 consumes:
// timestamp, type, message.content blocks, and an optional todos array.
type record struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   *messageBody    `json:"message,omitempty"`
	Todos     []todoItem      `json:"todos,omitempty"`
}

type messageBody struct {
	Role    string            `json:"role,omitempty"`
	Content []json.RawMessage `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
}

type todoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

func parseRecord(line []byte) (record, error) {
	var r record
	if len(bytes.TrimSpace(line)) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(line, &r); err != nil {
		return record{}, err
	}
	return r, nil
}

func (r record) timestamp() time.Time {
	if r.Timestamp == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// countsAsMessage implements spec §4.4's messageCount rule: user-prompt
// entries, plus assistant entries whose content contains any tool_use block.
func (r record) countsAsMessage() bool {
	if r.Type == "user" {
		return true
	}
	if r.Type != "assistant" || r.Message == nil {
		return false
	}
	for _, raw := range r.Message.Content {
		var b contentBlock
		if json.Unmarshal(raw, &b) == nil && b.Type == "tool_use" {
			return true
		}
	}
	return false
}

func (r record) todoProgress() *registry.TodoProgress {
	if r.Todos == nil {
		return nil
	}
	tp := &registry.TodoProgress{Total: len(r.Todos)}
	for _, item := range r.Todos {
		if item.Status == "completed" {
			tp.Completed++
		}
	}
	return tp
}
