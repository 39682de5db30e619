package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/testutil"
)

type issues struct {
	Items []string `json:"items"`
}

func TestSave_OverwritesAndBumpsRevision(t *testing.T) {
	st := testutil.NewStore(t)
	l := New(st, lifecycle.DefaultRetryPolicy(), nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)
	key := Key{SessionID: sess.ID, GroupID: g.ID, Iteration: 1, Subtype: SubtypeReviewIssues}

	first, err := l.Save(ctx, key, issues{Items: []string{"nil check"}})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Revision)

	second, err := l.Save(ctx, key, issues{Items: []string{"nil check", "naming"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Revision)

	events, err := l.Events(ctx, sess.ID, SubtypeReviewIssues, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got, err := Decode[issues](&events[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"nil check", "naming"}, got.Items)
}

func TestSave_ConcurrentSameKey(t *testing.T) {
	st := testutil.NewStore(t)
	l := New(st, lifecycle.DefaultRetryPolicy(), nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeParallel)
	key := Key{SessionID: sess.ID, GroupID: g.ID, Iteration: 1, Subtype: SubtypeTechLeadIssues}

	payloads := []json.RawMessage{
		json.RawMessage(`{"from":"a"}`),
		json.RawMessage(`{"from":"b"}`),
	}
	results := make([]*store.Event, len(payloads))

	var eg errgroup.Group
	for i, p := range payloads {
		eg.Go(func() error {
			ev, err := l.Save(ctx, key, p)
			results[i] = ev
			return err
		})
	}
	require.NoError(t, eg.Wait())

	var later json.RawMessage
	for i, ev := range results {
		if ev.Revision == 2 {
			later = payloads[i]
		}
	}
	require.NotNil(t, later, "one save must observe revision 2")

	events, err := l.Events(ctx, sess.ID, SubtypeTechLeadIssues, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Revision)
	assert.JSONEq(t, string(later), string(events[0].Payload))
}

func TestNoDuplicateKeys(t *testing.T) {
	st := testutil.NewStore(t)
	l := New(st, lifecycle.DefaultRetryPolicy(), nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	for i := 0; i < 3; i++ {
		for _, it := range []int{0, 1} {
			_, err := l.Save(ctx, Key{SessionID: sess.ID, GroupID: g.ID, Iteration: it, Subtype: SubtypeVerdicts}, map[string]int{"n": i})
			require.NoError(t, err)
		}
	}
	_, err := l.Save(ctx, Key{SessionID: sess.ID, Iteration: 0, Subtype: SubtypeVerdicts}, nil)
	require.NoError(t, err)

	events, err := l.Events(ctx, sess.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	seen := make(map[Key]bool)
	for _, ev := range events {
		k := Key{SessionID: ev.SessionID, GroupID: ev.GroupID, Iteration: ev.Iteration, Subtype: ev.Subtype}
		assert.False(t, seen[k], "duplicate key %+v", k)
		seen[k] = true
	}

	groupOnly, err := l.GroupEvents(ctx, sess.ID, g.ID, SubtypeVerdicts, 0)
	require.NoError(t, err)
	assert.Len(t, groupOnly, 2)
}

func TestEvents_NoLimitReturnsEverything(t *testing.T) {
	st := testutil.NewStore(t)
	l := New(st, lifecycle.DefaultRetryPolicy(), nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	const saved = 150
	for it := 0; it < saved; it++ {
		_, err := l.Save(ctx, Key{SessionID: sess.ID, GroupID: g.ID, Iteration: it, Subtype: SubtypeVerdicts}, map[string]int{"it": it})
		require.NoError(t, err)
	}

	all, err := l.Events(ctx, sess.ID, "", 0)
	require.NoError(t, err)
	require.Len(t, all, saved)
	assert.Equal(t, saved-1, all[saved-1].Iteration)

	group, err := l.GroupEvents(ctx, sess.ID, g.ID, SubtypeVerdicts, 0)
	require.NoError(t, err)
	assert.Len(t, group, saved)

	capped, err := l.GroupEvents(ctx, sess.ID, g.ID, SubtypeVerdicts, 10)
	require.NoError(t, err)
	assert.Len(t, capped, 10)
}

func TestLatest(t *testing.T) {
	st := testutil.NewStore(t)
	l := New(st, lifecycle.DefaultRetryPolicy(), nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	_, err := l.Latest(ctx, sess.ID, SubtypeIssueResponses)
	require.ErrorIs(t, err, store.ErrNotFound)

	for it := 0; it < 3; it++ {
		_, err := l.Save(ctx, Key{SessionID: sess.ID, GroupID: g.ID, Iteration: it, Subtype: SubtypeIssueResponses}, map[string]int{"it": it})
		require.NoError(t, err)
	}

	ev, err := l.Latest(ctx, sess.ID, SubtypeIssueResponses)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Iteration)
}

func TestSave_Errors(t *testing.T) {
	st := testutil.NewStore(t)
	l := New(st, lifecycle.DefaultRetryPolicy(), nil)
	ctx := context.Background()

	_, err := l.Save(ctx, Key{SessionID: "missing", Subtype: SubtypeVerdicts}, nil)
	require.ErrorIs(t, err, store.ErrUnknownSession)

	_, err = l.Save(ctx, Key{SessionID: "missing", Subtype: SubtypeVerdicts}, make(chan int))
	require.Error(t, err)
}
