package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/baton/internal/watch"
)

func TestJournal_RecordAndReadAll(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".baton", FileName), j.Path())

	entries, err := j.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, j.Record(watch.Notification{ID: 1, Kind: watch.KindSessionStarted, SessionID: "s1", Payload: json.RawMessage(`{"mode":"single"}`)}))
	require.NoError(t, j.Record(watch.Notification{ID: 2, Kind: watch.KindLogAdded, SessionID: "s2", GroupID: "G1", RefID: "7"}))
	require.NoError(t, j.Record(watch.Notification{ID: 2, Kind: watch.KindTerminalReached, SessionID: "s2", GroupID: "G1"}))

	entries, err = j.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, watch.KindSessionStarted, entries[0].Kind)
	assert.JSONEq(t, `{"mode":"single"}`, string(entries[0].Payload))
	assert.False(t, entries[0].Time.IsZero())
	assert.Equal(t, "7", entries[1].RefID)

	s2, err := j.Session("s2")
	require.NoError(t, err)
	assert.Len(t, s2, 2)
}

func TestJournal_DoesNotTruncate(t *testing.T) {
	dir := t.TempDir()
	first, err := NewJournal(dir)
	require.NoError(t, err)
	require.NoError(t, first.Append(Entry{ID: 1, Kind: watch.KindLogAdded, SessionID: "s1"}))

	second, err := NewJournal(dir)
	require.NoError(t, err)
	require.NoError(t, second.Append(Entry{ID: 2, Kind: watch.KindLogAdded, SessionID: "s1"}))

	entries, err := second.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	last, err := second.LastID()
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestJournal_LastIDEmpty(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	require.NoError(t, err)
	last, err := j.LastID()
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestJournal_ConcurrentAppends(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, j.Record(watch.Notification{ID: id, Kind: watch.KindGroupUpdated, SessionID: "s1"}))
		}(int64(i))
	}
	wg.Wait()

	entries, err := j.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestJournal_CorruptLine(t *testing.T) {
	j, err := NewJournal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, j.Append(Entry{ID: 1, Kind: watch.KindLogAdded, SessionID: "s1"}))

	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = j.ReadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
