// Package trigger implements the per-agent wake-up queues connecting the
// hub's router to the wrapper supervisors. Each agent has one append-only
// file under the data directory: the router is its sole writer, the
// agent's wrapper its sole reader. Entries are single JSON lines, so the
// reader can track its position as a byte offset and a torn final line
// simply waits for its newline.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentchattr/pkg/logx"
)

// Entry is one queued wake-up telling a wrapper to prompt its agent.
type Entry struct {
	Agent   string `json:"agent"`
	Channel string `json:"channel"`
	MsgID   int64  `json:"msg_id,omitempty"`
	TS      int64  `json:"ts"`
}

// QueuePath returns the queue file for one agent under dataDir.
func QueuePath(dataDir, agent string) string {
	return filepath.Join(dataDir, agent+"_queue")
}

// Writer appends entries to per-agent queue files. Safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	dataDir string
	logger  *logx.Logger
}

// NewWriter returns a writer rooted at dataDir. Queue files are created on
// first enqueue.
func NewWriter(dataDir string) *Writer {
	return &Writer{dataDir: dataDir, logger: logx.NewLogger("trigger")}
}

// Enqueue appends one entry as a single JSON line to the target agent's
// queue. The line and its newline go out in one write so the reader never
// observes a torn record followed by a complete one.
func (w *Writer) Enqueue(e Entry) error {
	if e.Agent == "" {
		return errors.New("trigger entry has no agent")
	}
	if e.TS == 0 {
		e.TS = time.Now().Unix()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal trigger entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.OpenFile(QueuePath(w.dataDir, e.Agent), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append queue: %w", err)
	}
	w.logger.Debug("enqueued trigger for %s (channel=%s msg=%d)", e.Agent, e.Channel, e.MsgID)
	return nil
}

// Watcher tails one agent's queue file from the wrapper side. Entries stay
// pending until Advance acknowledges them, so a failed injection sees the
// same entry again on the next Poll. Wait blocks on an fsnotify event for
// the file with a fallback tick, so a missed notification costs at most
// one tick.
type Watcher struct {
	agent string
	path  string

	mu      sync.Mutex
	offset  int64 // byte position of the last acknowledged entry's end
	scanned int64 // byte position up to which complete lines were parsed
	pending []pendingEntry

	fsw    *fsnotify.Watcher
	tick   time.Duration
	logger *logx.Logger
}

type pendingEntry struct {
	entry Entry
	end   int64 // absolute file position just past this entry's newline
}

// NewWatcher watches the queue for one agent. It watches the data
// directory rather than the file so the first enqueue (file creation) also
// wakes the reader. Callers own Close.
func NewWatcher(dataDir, agent string) (*Watcher, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := fsw.Add(dataDir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dataDir, err)
	}
	return &Watcher{
		agent:  agent,
		path:   QueuePath(dataDir, agent),
		fsw:    fsw,
		tick:   time.Second,
		logger: logx.NewLogger("trigger"),
	}, nil
}

// Close releases the filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Truncate empties the queue and resets the read position. The wrapper
// calls this once at startup so wake-ups queued for a crashed prior
// session are not replayed into a fresh one.
func (w *Watcher) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("truncate queue: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("truncate queue: %w", err)
	}
	w.offset = 0
	w.scanned = 0
	w.pending = nil
	return nil
}

// Poll parses any newly completed lines and returns all pending entries in
// arrival order. Malformed lines are logged and skipped; a trailing
// partial line is left alone until its newline arrives.
func (w *Watcher) Poll() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return w.snapshotLocked(), nil
		}
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat queue: %w", err)
	}
	if fi.Size() < w.scanned {
		// Queue was truncated out from under us. Drop pending state and
		// start over from the top of the file.
		w.logger.Warn("queue for %s shrank (%d -> %d), resetting", w.agent, w.scanned, fi.Size())
		w.offset = 0
		w.scanned = 0
		w.pending = nil
	}
	if fi.Size() == w.scanned {
		return w.snapshotLocked(), nil
	}

	if _, err := f.Seek(w.scanned, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek queue: %w", err)
	}
	buf := make([]byte, fi.Size()-w.scanned)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:nl])
		w.scanned += int64(nl + 1)
		buf = buf[nl+1:]
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			w.logger.Warn("skipping malformed queue entry for %s: %q", w.agent, string(line))
			continue
		}
		w.pending = append(w.pending, pendingEntry{entry: e, end: w.scanned})
	}
	return w.snapshotLocked(), nil
}

// Advance acknowledges the first n pending entries, moving the consumed
// offset past them. Injection failures simply do not advance.
func (w *Watcher) Advance(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 {
		return
	}
	if n > len(w.pending) {
		n = len(w.pending)
	}
	if n > 0 {
		w.offset = w.pending[n-1].end
		w.pending = append([]pendingEntry(nil), w.pending[n:]...)
	}
}

// Pending reports how many parsed entries await acknowledgement. It does
// not re-read the file; call Poll first for a fresh view.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Latest returns the newest pending entry, if any. The wrapper's re-nudge
// paths re-inject this one rather than replaying the whole backlog.
func (w *Watcher) Latest() (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return Entry{}, false
	}
	return w.pending[len(w.pending)-1].entry, true
}

// Offset returns the byte position of the last acknowledged entry.
func (w *Watcher) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Wait blocks until the queue file may have new content: a write or create
// event for it, the fallback tick, or context cancellation. Spurious wakes
// are fine; the caller polls after every return.
func (w *Watcher) Wait(ctx context.Context) error {
	timer := time.NewTimer(w.tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("queue watcher closed")
			}
			if ev.Name == w.path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				return nil
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("queue watcher closed")
			}
			w.logger.Warn("queue watch error for %s: %v", w.agent, err)
		case <-timer.C:
			return nil
		}
	}
}

// SetTick overrides the fallback poll interval. Tests shrink it.
func (w *Watcher) SetTick(d time.Duration) {
	w.tick = d
}

func (w *Watcher) snapshotLocked() []Entry {
	if len(w.pending) == 0 {
		return nil
	}
	out := make([]Entry, len(w.pending))
	for i, p := range w.pending {
		out[i] = p.entry
	}
	return out
}
