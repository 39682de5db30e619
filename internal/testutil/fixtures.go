// Package testutil provides test helper utilities for baton tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/workflow"
)

// TempProject creates a temporary directory with the given files and returns its path.
// Files is a map of relative path -> content. Directories are created as needed.
// The directory is automatically cleaned up when the test finishes.
func TempProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// NewStore opens a fresh store in a temporary directory. It is closed when
// the test finishes.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "baton.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// DefaultRouter returns a router over the built-in transition table.
func DefaultRouter(t *testing.T) *workflow.Router {
	t.Helper()
	table, err := workflow.Default()
	if err != nil {
		t.Fatalf("loading default transitions: %v", err)
	}
	return workflow.NewRouter(table)
}

// ActiveSession creates an active session with one pending group and
// returns both.
func ActiveSession(t *testing.T, st *store.Store, mode store.Mode) (*store.Session, *store.TaskGroup) {
	t.Helper()
	ctx := context.Background()
	sess, err := st.CreateSession(ctx, store.NewSession{Request: "add login page", Mode: mode})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	g, err := st.CreateTaskGroup(ctx, store.NewTaskGroup{SessionID: sess.ID, Name: "login form"})
	if err != nil {
		t.Fatalf("creating task group: %v", err)
	}
	return sess, g
}

// RecordPhases records the given reasoning phases for role within the group
// at iteration.
func RecordPhases(t *testing.T, st *store.Store, sessionID, groupID, role string, iteration int, phases ...store.Phase) {
	t.Helper()
	for _, p := range phases {
		_, err := st.AppendReasoning(context.Background(), store.NewReasoning{
			SessionID: sessionID,
			GroupID:   groupID,
			Role:      role,
			Iteration: iteration,
			Phase:     p,
			Content:   string(p) + " notes",
		})
		if err != nil {
			t.Fatalf("recording %s phase: %v", p, err)
		}
	}
}
