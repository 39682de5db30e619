package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/testutil"
	"github.com/berth-dev/baton/internal/workflow"
)

func newManager(t *testing.T, mutate func(*Options)) (*Manager, *store.Store) {
	t.Helper()
	st := testutil.NewStore(t)
	opts := DefaultOptions()
	opts.Retry.InitialDelay = time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	return New(st, testutil.DefaultRouter(t), opts), st
}

func closeTurn(t *testing.T, st *store.Store, sessionID, groupID, role string, iteration int) {
	t.Helper()
	testutil.RecordPhases(t, st, sessionID, groupID, role, iteration, store.PhaseUnderstanding, store.PhaseCompletion)
}

func TestAdvance_ReadyForReview(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "add login page", store.ModeSingle, nil)
	require.NoError(t, err)
	g, err := m.CreateTaskGroup(ctx, store.NewTaskGroup{SessionID: sess.ID, Name: "G1"})
	require.NoError(t, err)
	assert.Equal(t, store.GroupPending, g.Status)

	closeTurn(t, st, sess.ID, g.ID, "implementer", 0)
	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_REVIEW"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteTo("reviewer"), res.Action)
	assert.Equal(t, store.GroupInProgress, res.Group.Status)
	assert.Equal(t, "reviewer", res.Group.Assignee)
	assert.Equal(t, 0, res.Group.Revision)

	stored, err := st.GetTaskGroup(ctx, sess.ID, g.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GroupInProgress, stored.Status)
}

func TestAdvance_ChangesRequestedBumpsRevision(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	closeTurn(t, st, sess.ID, g.ID, "implementer", 0)
	_, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_REVIEW"}})
	require.NoError(t, err)

	closeTurn(t, st, sess.ID, g.ID, "reviewer", 0)
	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "reviewer", Markers: []string{"CHANGES_REQUESTED"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteTo("implementer").WithRework(), res.Action)
	assert.Equal(t, 1, res.Group.Revision)
	assert.Equal(t, store.GroupInProgress, res.Group.Status)
	assert.Equal(t, "CHANGES_REQUESTED", res.Group.LastVerdict)

	// The verdict event is keyed by the iteration the review happened in.
	require.NotNil(t, res.Event)
	assert.Equal(t, "reviewer_verdict", res.Event.Subtype)
	assert.Equal(t, 0, res.Event.Iteration)

	var payload verdictPayload
	require.NoError(t, json.Unmarshal(res.Event.Payload, &payload))
	assert.Equal(t, []string{"CHANGES_REQUESTED"}, payload.Markers)
	assert.Equal(t, workflow.ActionRouteTo, payload.Action.Kind)
}

func TestAdvance_UnknownMarkerRoutesToFallback(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	closeTurn(t, st, sess.ID, g.ID, "qa", 0)
	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "qa", Markers: []string{"WEIRD_CODE"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteTo("tech_lead"), res.Action)
	assert.Equal(t, store.GroupInProgress, res.Group.Status)
}

func TestAdvance_PhaseGate(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)
	req := AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_QA"}}

	_, err := m.Advance(ctx, req)
	var phaseErr *IncompletePhaseError
	require.ErrorAs(t, err, &phaseErr)
	assert.Equal(t, []store.Phase{store.PhaseUnderstanding, store.PhaseCompletion}, phaseErr.Missing)

	testutil.RecordPhases(t, st, sess.ID, g.ID, "implementer", 0, store.PhaseUnderstanding)
	_, err = m.Advance(ctx, req)
	require.ErrorAs(t, err, &phaseErr)
	assert.Equal(t, []store.Phase{store.PhaseCompletion}, phaseErr.Missing)

	// Nothing was written while the gate was closed.
	stored, err := st.GetTaskGroup(ctx, sess.ID, g.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GroupPending, stored.Status)

	testutil.RecordPhases(t, st, sess.ID, g.ID, "implementer", 0, store.PhaseCompletion)
	res, err := m.Advance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteTo("verifier"), res.Action)
}

func TestAdvance_PhaseGateFollowsRevision(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	closeTurn(t, st, sess.ID, g.ID, "verifier", 0)
	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "verifier", Markers: []string{"FAIL"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Group.Revision)

	// Phases recorded at iteration 0 do not close the turn at iteration 1.
	report, err := m.CheckMandatoryPhases(ctx, sess.ID, g.ID, "verifier", "")
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.Equal(t, 1, report.Iteration)

	closeTurn(t, st, sess.ID, g.ID, "verifier", 1)
	report, err = m.CheckMandatoryPhases(ctx, sess.ID, g.ID, "verifier", "")
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Empty(t, report.Missing)
}

func TestAdvance_PhaseGatePerAgent(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeParallel)

	record := func(agent string, phase store.Phase) {
		_, err := st.AppendReasoning(ctx, store.NewReasoning{
			SessionID: sess.ID, GroupID: g.ID, Role: "implementer", AgentID: agent,
			Phase: phase, Content: "notes",
		})
		require.NoError(t, err)
	}
	record("impl-A", store.PhaseUnderstanding)
	record("impl-B", store.PhaseCompletion)

	// Together the two instances cover both phases; neither does alone.
	report, err := m.CheckMandatoryPhases(ctx, sess.ID, g.ID, "implementer", "")
	require.NoError(t, err)
	assert.True(t, report.Complete)

	report, err = m.CheckMandatoryPhases(ctx, sess.ID, g.ID, "implementer", "impl-A")
	require.NoError(t, err)
	assert.Equal(t, []store.Phase{store.PhaseCompletion}, report.Missing)

	req := AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", AgentID: "impl-A", Markers: []string{"READY_FOR_REVIEW"}}
	_, err = m.Advance(ctx, req)
	var phaseErr *IncompletePhaseError
	require.ErrorAs(t, err, &phaseErr)
	assert.Equal(t, "impl-A", phaseErr.AgentID)
	assert.Equal(t, []store.Phase{store.PhaseCompletion}, phaseErr.Missing)
	assert.Contains(t, phaseErr.Error(), "implementer (impl-A)")

	record("impl-A", store.PhaseCompletion)
	res, err := m.Advance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteTo("reviewer"), res.Action)
}

func TestAdvance_PhaseGateDisabled(t *testing.T) {
	m, st := newManager(t, func(o *Options) { o.EnforcePhases = false })
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	_, err := m.Advance(context.Background(), AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_QA"}})
	require.NoError(t, err)
}

func TestAdvance_TerminateAndEscalate(t *testing.T) {
	m, st := newManager(t, func(o *Options) { o.EnforcePhases = false })
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, "x", store.ModeParallel, nil)
	require.NoError(t, err)
	g1, err := m.CreateTaskGroup(ctx, store.NewTaskGroup{SessionID: sess.ID, Name: "a"})
	require.NoError(t, err)
	g2, err := m.CreateTaskGroup(ctx, store.NewTaskGroup{SessionID: sess.ID, Name: "b"})
	require.NoError(t, err)

	for _, g := range []*store.TaskGroup{g1, g2} {
		_, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_REVIEW"}})
		require.NoError(t, err)
	}

	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g1.ID, Role: "reviewer", Markers: []string{"APPROVED"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.Terminate("approved"), res.Action)
	assert.Equal(t, store.GroupCompleted, res.Group.Status)

	res, err = m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g2.ID, Role: "implementer", Markers: []string{"BLOCKED"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.ActionEscalate, res.Action.Kind)
	assert.Equal(t, store.GroupFailed, res.Group.Status)

	_, err = m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g1.ID, Role: "reviewer", Markers: []string{"CHANGES_REQUESTED"}})
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)

	// Group outcomes never end the session on their own.
	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, got.Status)
}

func TestAdvance_SessionLevel(t *testing.T) {
	m, st := newManager(t, func(o *Options) { o.EnforcePhases = false })
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, "x", store.ModeSingle, nil)
	require.NoError(t, err)

	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, Role: "planner", Markers: []string{"PLANNING_COMPLETE"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteTo("implementer"), res.Action)
	assert.Nil(t, res.Group)
	assert.Equal(t, store.SessionActive, res.Session.Status)

	res, err = m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, Role: "planner", Markers: []string{"BAZINGA"}})
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, res.Session.Status)
	assert.Equal(t, "completed", res.Session.Verdict)

	_, err = m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, Role: "planner", Markers: []string{"BAZINGA"}})
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)

	events, err := st.ListEvents(ctx, sess.ID, store.EventFilter{Subtype: "planner_verdict"})
	require.NoError(t, err)
	// Both advances share iteration 0, so the second overwrote the first.
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Revision)
}

func TestAdvance_SpecialRules(t *testing.T) {
	m, _ := newManager(t, func(o *Options) { o.EnforcePhases = false })
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "x", store.ModeSingle, []string{"no_such_rule"})
	require.ErrorIs(t, err, ErrUnknownRule)

	sess, err := m.CreateSession(ctx, "x", store.ModeSingle, []string{"skip_verification"})
	require.NoError(t, err)
	g, err := m.CreateTaskGroup(ctx, store.NewTaskGroup{SessionID: sess.ID, Name: "a"})
	require.NoError(t, err)

	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_QA"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.RouteTo("reviewer"), res.Action)
	assert.Equal(t, []string{"skip_verification"}, res.Rules)
}

func TestAdvance_FailingGroupVerdict(t *testing.T) {
	table, err := workflow.Parse([]byte(`
version: 1
fallback: tech_lead
rules:
  - {role: reviewer, marker: APPROVED, terminate: approved}
  - {role: reviewer, marker: REJECTED, terminate: rejected}
  - {role: tech_lead, marker: RESOLVED, next: reviewer}
`))
	require.NoError(t, err)
	st := testutil.NewStore(t)
	opts := DefaultOptions()
	opts.EnforcePhases = false
	m := New(st, workflow.NewRouter(table), opts)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "x", store.ModeParallel, nil)
	require.NoError(t, err)
	rejected, err := m.CreateTaskGroup(ctx, store.NewTaskGroup{SessionID: sess.ID, Name: "a"})
	require.NoError(t, err)
	approved, err := m.CreateTaskGroup(ctx, store.NewTaskGroup{SessionID: sess.ID, Name: "b"})
	require.NoError(t, err)
	for _, g := range []*store.TaskGroup{rejected, approved} {
		_, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "tech_lead", Markers: []string{"RESOLVED"}})
		require.NoError(t, err)
	}

	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: rejected.ID, Role: "reviewer", Markers: []string{"REJECTED"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.Terminate("rejected"), res.Action)
	assert.Equal(t, store.GroupFailed, res.Group.Status)

	res, err = m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: approved.ID, Role: "reviewer", Markers: []string{"APPROVED"}})
	require.NoError(t, err)
	assert.Equal(t, store.GroupCompleted, res.Group.Status)
}

func TestAdvance_RevisionLimitEscalates(t *testing.T) {
	m, st := newManager(t, func(o *Options) {
		o.EnforcePhases = false
		o.MaxRevisions = 2
	})
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	_, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_REVIEW"}})
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "reviewer", Markers: []string{"CHANGES_REQUESTED"}})
		require.NoError(t, err)
		require.Equal(t, want, res.Group.Revision)
	}

	res, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "reviewer", Markers: []string{"CHANGES_REQUESTED"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.Escalate("revision limit reached"), res.Action)
	assert.Contains(t, res.Rules, RuleRevisionLimit)
	assert.Equal(t, store.GroupFailed, res.Group.Status)
	assert.Equal(t, 2, res.Group.Revision)
}

func TestAdvance_ConcurrentSameGroup(t *testing.T) {
	m, st := newManager(t, func(o *Options) {
		o.EnforcePhases = false
		o.MaxRevisions = 0
	})
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeParallel)

	_, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Markers: []string{"READY_FOR_REVIEW"}})
	require.NoError(t, err)

	var ok, conflicts atomic.Int32
	var eg errgroup.Group
	for i := 0; i < 6; i++ {
		eg.Go(func() error {
			_, err := m.Advance(ctx, AdvanceRequest{SessionID: sess.ID, GroupID: g.ID, Role: "reviewer", Markers: []string{"CHANGES_REQUESTED"}})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, store.ErrConcurrentModification):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.GreaterOrEqual(t, ok.Load(), int32(1))
	assert.Equal(t, int32(6), ok.Load()+conflicts.Load())

	stored, err := st.GetTaskGroup(ctx, sess.ID, g.ID)
	require.NoError(t, err)
	// Every successful advance bumped the revision exactly once.
	assert.Equal(t, int(ok.Load()), stored.Revision)
	assert.Equal(t, int64(1+ok.Load()), stored.Version)
}

func TestRecordTurn_Idempotent(t *testing.T) {
	m, st := newManager(t, nil)
	ctx := context.Background()
	sess, g := testutil.ActiveSession(t, st, store.ModeSingle)

	turn := Turn{SessionID: sess.ID, GroupID: g.ID, Role: "implementer", Seq: 1, Content: "working"}
	_, created, err := m.RecordTurn(ctx, turn)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = m.RecordTurn(ctx, turn)
	require.NoError(t, err)
	assert.False(t, created)

	logs, err := st.ListInteractions(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, _, err = m.RecordTurn(ctx, Turn{SessionID: sess.ID, Seq: 2})
	require.Error(t, err)
}

func TestCompleteSession(t *testing.T) {
	m, _ := newManager(t, nil)
	ctx := context.Background()
	sess, err := m.CreateSession(ctx, "x", store.ModeSingle, nil)
	require.NoError(t, err)

	_, err = m.CreateSession(ctx, "y", store.ModeSingle, nil)
	require.ErrorIs(t, err, store.ErrDuplicateSession)

	done, err := m.CompleteSession(ctx, sess.ID, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, done.Status)

	_, err = m.CompleteSession(ctx, sess.ID, "abandoned")
	require.NoError(t, err)

	_, err = m.CompleteSession(ctx, sess.ID, "approved")
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)
}

func TestVerdictStatus(t *testing.T) {
	tests := map[string]store.SessionStatus{
		"approved":           store.SessionCompleted,
		"completed":          store.SessionCompleted,
		"":                   store.SessionCompleted,
		"failed":             store.SessionFailed,
		"Escalated: blocked": store.SessionFailed,
		"abandoned":          store.SessionFailed,
		"rejected":           store.SessionFailed,
	}
	for verdict, want := range tests {
		t.Run(fmt.Sprintf("%q", verdict), func(t *testing.T) {
			assert.Equal(t, want, VerdictStatus(verdict))
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 3 * time.Millisecond}
	assert.Equal(t, time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 2*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 3*time.Millisecond, p.NextDelay(3))

	transient := fmt.Errorf("insert: %w", store.ErrStoreUnavailable)

	var calls int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return transient
	})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Equal(t, 4, calls)

	calls = 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return store.ErrUnknownSession
	})
	require.ErrorIs(t, err, store.ErrUnknownSession)
	assert.Equal(t, 1, calls)
}

func TestArchiver(t *testing.T) {
	st := testutil.NewStore(t)
	ctx := context.Background()

	_, err := NewArchiver(st, "not a schedule", time.Hour, nil)
	require.Error(t, err)

	a, err := NewArchiver(st, "@daily", time.Hour, nil)
	require.NoError(t, err)

	sess, _ := testutil.ActiveSession(t, st, store.ModeSingle)
	_, err = st.CompleteSession(ctx, sess.ID, store.SessionCompleted, "approved")
	require.NoError(t, err)

	n, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := st.ListSessions(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestArchiverRunStopsOnCancel(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "baton.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a, err := NewArchiver(st, "* * * * * *", 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("archiver did not stop")
	}
}
