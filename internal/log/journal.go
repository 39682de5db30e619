// Package log provides the notification journal.
// Every delivered notification is appended as one JSON line to
// .baton/journal.jsonl.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/berth-dev/baton/internal/watch"
)

// FileName is the journal's name inside the .baton directory.
const FileName = "journal.jsonl"

// Entry is a single journal line.
type Entry struct {
	Time      time.Time       `json:"time"`
	ID        int64           `json:"id"`
	Kind      watch.Kind      `json:"kind"`
	SessionID string          `json:"session"`
	GroupID   string          `json:"group,omitempty"`
	RefID     string          `json:"ref,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Journal writes append-only JSONL entries. It implements watch.Recorder.
type Journal struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewJournal creates a Journal that writes to .baton/journal.jsonl inside
// dir. The .baton directory is created if missing; an existing journal is
// never truncated.
func NewJournal(dir string) (*Journal, error) {
	batonDir := filepath.Join(dir, ".baton")
	if err := os.MkdirAll(batonDir, 0755); err != nil {
		return nil, fmt.Errorf("create .baton directory: %w", err)
	}

	return &Journal{
		path: filepath.Join(batonDir, FileName),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Record appends n to the journal.
func (j *Journal) Record(n watch.Notification) error {
	return j.Append(Entry{
		ID:        n.ID,
		Kind:      n.Kind,
		SessionID: n.SessionID,
		GroupID:   n.GroupID,
		RefID:     n.RefID,
		Payload:   n.Payload,
	})
}

// Append writes a single Entry as one JSON line. A zero Time is set to the
// current UTC time. Safe for concurrent use.
func (j *Journal) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = j.now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// ReadAll parses every entry in the journal. A missing journal yields an
// empty slice.
func (j *Journal) ReadAll() ([]Entry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", lineNum, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	return entries, nil
}

// Session returns the entries of one session, in journal order.
func (j *Journal) Session(sessionID string) ([]Entry, error) {
	all, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastID returns the highest change ID in the journal, or 0 when it is
// empty. A restarted watcher resumes from here; since the watcher records a
// change before passing it, the journal does not skip changes.
func (j *Journal) LastID() (int64, error) {
	all, err := j.ReadAll()
	if err != nil {
		return 0, err
	}
	var last int64
	for _, e := range all {
		if e.ID > last {
			last = e.ID
		}
	}
	return last, nil
}
