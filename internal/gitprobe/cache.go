package gitprobe

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// diskEntry is the on-disk shape for one cwd, matching spec §6's
// "{ cwd: { repoRootPath, repoUrl, repoId, isWorktree, worktreeRoot } }".
// Branch is intentionally excluded from the persisted cache — it is the
// one field spec's own change-detection rules (§4.6) treat as volatile
// per-poll data, not stable repository-grouping metadata.
type diskEntry struct {
	RepoRootPath string `json:"repoRootPath"`
	RepoURL      string `json:"repoUrl"`
	RepoID       string `json:"repoId"`
	IsWorktree   bool   `json:"isWorktree"`
	WorktreeRoot string `json:"worktreeRoot"`
}

// DiskCache is the persistent JSON cache of cwd → repository metadata that
// spec §5 calls out as the one piece of cross-restart state this daemon
// keeps, so sessions can still be grouped under their repository root
// after a worktree has been deleted.
type DiskCache struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]diskEntry
}

// LoadDiskCache reads path if it exists; a missing or corrupt file is
// treated as an empty cache, per spec §6/§7.
func LoadDiskCache(path string, log *slog.Logger) *DiskCache {
	if log == nil {
		log = slog.Default()
	}
	c := &DiskCache{path: path, log: log, entries: make(map[string]diskEntry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("gitprobe: disk cache unreadable, starting empty", "err", err)
		}
		return c
	}
	var raw map[string]diskEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn("gitprobe: disk cache corrupt, starting empty", "err", err)
		return c
	}
	c.entries = raw
	return c
}

// Get returns a cached Info for cwd, if present.
func (c *DiskCache) Get(cwd string) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cwd]
	if !ok {
		return Info{}, false
	}
	return Info{
		RepoRootPath: e.RepoRootPath,
		RepoURL:      e.RepoURL,
		RepoID:       e.RepoID,
		IsWorktree:   e.IsWorktree,
		WorktreeRoot: e.WorktreeRoot,
	}, true
}

// Put records info for cwd and persists the cache to disk. Writes are
// fire-and-forget: a failure is logged and otherwise ignored, per spec §5
// ("writes are fire-and-forget").
func (c *DiskCache) Put(cwd string, info Info) {
	c.mu.Lock()
	c.entries[cwd] = diskEntry{
		RepoRootPath: info.RepoRootPath,
		RepoURL:      info.RepoURL,
		RepoID:       info.RepoID,
		IsWorktree:   info.IsWorktree,
		WorktreeRoot: info.WorktreeRoot,
	}
	snapshot := make(map[string]diskEntry, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		c.log.Warn("gitprobe: marshal disk cache failed", "err", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		c.log.Warn("gitprobe: mkdir for disk cache failed", "err", err)
		return
	}
	if err := os.WriteFile(c.path, data, 0o640); err != nil {
		c.log.Warn("gitprobe: write disk cache failed", "err", err)
	}
}
