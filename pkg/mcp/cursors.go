package mcp

import (
	"encoding/json"
	"os"
	"sync"

	"agentchattr/pkg/logx"
	"agentchattr/pkg/utils"
)

// CursorsFile is the cursor store's filename under the data directory.
const CursorsFile = "cursors.json"

// cursorFile persists per-agent, per-channel read cursors as one JSON
// document, rewritten atomically on every advance. A cursor is the highest
// message id the agent has consumed on that channel; -1 means the agent has
// never read it.
type cursorFile struct {
	mu     sync.Mutex
	path   string
	data   map[string]map[string]int64 // agent -> channel -> last read id
	logger *logx.Logger
}

func newCursorFile(path string) *cursorFile {
	c := &cursorFile{
		path:   path,
		data:   make(map[string]map[string]int64),
		logger: logx.NewLogger("mcp"),
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Failed to read cursor file %s: %v", path, err)
		}
		return c
	}
	if err := json.Unmarshal(raw, &c.data); err != nil {
		c.logger.Warn("Discarding unreadable cursor file %s: %v", path, err)
		c.data = make(map[string]map[string]int64)
	}
	if c.data == nil {
		c.data = make(map[string]map[string]int64)
	}
	return c
}

// Get returns the agent's cursor for a channel, -1 when unset.
func (c *cursorFile) Get(agent, channel string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chans, ok := c.data[agent]; ok {
		if id, ok := chans[channel]; ok {
			return id
		}
	}
	return -1
}

// SetAll advances several of one agent's cursors and persists once.
func (c *cursorFile) SetAll(agent string, updates map[string]int64) {
	if agent == "" || len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	chans, ok := c.data[agent]
	if !ok {
		chans = make(map[string]int64)
		c.data[agent] = chans
	}
	for channel, id := range updates {
		chans[channel] = id
	}
	c.saveLocked()
}

// Rename moves every agent's cursor from the old channel name to the new
// one, keeping read positions intact across a channel rename.
func (c *cursorFile) Rename(oldName, newName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, chans := range c.data {
		if id, ok := chans[oldName]; ok {
			delete(chans, oldName)
			chans[newName] = id
			changed = true
		}
	}
	if changed {
		c.saveLocked()
	}
}

// Prune drops cursors for channels that no longer exist.
func (c *cursorFile) Prune(channels []string) {
	live := make(map[string]bool, len(channels))
	for _, name := range channels {
		live[name] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for agent, chans := range c.data {
		for channel := range chans {
			if !live[channel] {
				delete(chans, channel)
				changed = true
			}
		}
		if len(chans) == 0 {
			delete(c.data, agent)
		}
	}
	if changed {
		c.saveLocked()
	}
}

func (c *cursorFile) saveLocked() {
	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		c.logger.Error("Failed to encode cursors: %v", err)
		return
	}
	if err := utils.WriteFileAtomic(c.path, raw, 0o644); err != nil {
		c.logger.Error("Failed to persist cursors: %v", err)
	}
}
