package observer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/baton/internal/ledger"
	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/testutil"
	"github.com/berth-dev/baton/internal/watch"
)

type fixture struct {
	srv *Server
	ts  *httptest.Server
	st  *store.Store
	hub *watch.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBuffer(t, 64)
}

func newFixtureWithBuffer(t *testing.T, buffer int) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	mgr := lifecycle.New(st, testutil.DefaultRouter(t), lifecycle.DefaultOptions())
	led := ledger.New(st, lifecycle.DefaultRetryPolicy(), nil)
	hub := watch.NewHub(buffer)

	srv, err := NewServer(mgr, led, hub, Options{TerminalMarker: "BAZINGA", KeepAlive: time.Hour, ReplayBatch: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.listener.Close() })

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, ts: ts, st: st, hub: hub}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (f *fixture) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) startSession(t *testing.T) (*store.Session, *store.TaskGroup) {
	t.Helper()
	var sess store.Session
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/sessions", CreateSessionRequest{Request: "add login page"}, &sess))
	var g store.TaskGroup
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/sessions/"+sess.ID+"/groups", CreateGroupRequest{Name: "login form"}, &g))
	return &sess, &g
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestDispatcherFlow(t *testing.T) {
	f := newFixture(t)
	sess, g := f.startSession(t)
	assert.Equal(t, store.ModeSingle, sess.Mode)
	assert.Equal(t, store.GroupPending, g.Status)

	var active store.Session
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/sessions/active", nil, &active))
	assert.Equal(t, sess.ID, active.ID)

	base := "/sessions/" + sess.ID
	turn := TurnRequest{GroupID: g.ID, Role: "implementer", Seq: 1, Content: "done. READY_FOR_REVIEW"}
	var tr TurnResponse
	assert.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/turns", turn, &tr))
	assert.True(t, tr.Created)
	assert.Equal(t, http.StatusOK, f.do(t, "POST", base+"/turns", turn, &tr))
	assert.False(t, tr.Created)

	var next map[string]int64
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/turns/next", nil, &next))
	assert.Equal(t, int64(2), next["seq"])

	adv := AdvanceRequest{GroupID: g.ID, Role: "implementer", Output: "All done. READY_FOR_REVIEW"}
	var errBody errorResponse
	require.Equal(t, http.StatusPreconditionFailed, f.do(t, "POST", base+"/advance", adv, &errBody))
	assert.ElementsMatch(t, []store.Phase{store.PhaseUnderstanding, store.PhaseCompletion}, errBody.Missing)

	for _, p := range []store.Phase{store.PhaseUnderstanding, store.PhaseCompletion} {
		require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/reasoning",
			ReasoningRequest{GroupID: g.ID, Role: "implementer", Phase: p, Content: "notes"}, nil))
	}
	var report lifecycle.PhaseReport
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/phases?group="+g.ID+"&role=implementer", nil, &report))
	assert.True(t, report.Complete)

	// Another instance of the role has not reasoned yet.
	var other lifecycle.PhaseReport
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/phases?group="+g.ID+"&role=implementer&agent=impl-2", nil, &other))
	assert.False(t, other.Complete)
	assert.Len(t, other.Missing, 2)

	var res lifecycle.AdvanceResult
	require.Equal(t, http.StatusOK, f.do(t, "POST", base+"/advance", adv, &res))
	assert.Equal(t, "route_to(reviewer)", res.Action.String())
	assert.Equal(t, store.GroupInProgress, res.Group.Status)

	var events []store.Event
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/events?group="+g.ID, nil, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "implementer_verdict", events[0].Subtype)

	var latest store.Event
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/events/latest?subtype=implementer_verdict", nil, &latest))
	assert.Equal(t, events[0].ID, latest.ID)

	var groups []store.TaskGroup
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/groups", nil, &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "reviewer", groups[0].Assignee)

	var done store.Session
	require.Equal(t, http.StatusOK, f.do(t, "POST", base+"/complete", CompleteSessionRequest{Verdict: "approved"}, &done))
	assert.Equal(t, store.SessionCompleted, done.Status)
	assert.Equal(t, http.StatusOK, f.do(t, "POST", base+"/archive", nil, nil))

	var list []store.SessionSummary
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/sessions", nil, &list))
	assert.Empty(t, list)
	require.Equal(t, http.StatusOK, f.do(t, "GET", "/sessions?all=true", nil, &list))
	assert.Len(t, list, 1)
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t)
	sess, _ := f.startSession(t)
	base := "/sessions/" + sess.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown session", "GET", "/sessions/nope", nil, http.StatusNotFound},
		{"duplicate active session", "POST", "/sessions", CreateSessionRequest{Request: "again"}, http.StatusConflict},
		{"unknown mode", "POST", "/sessions", CreateSessionRequest{Request: "x", Mode: "batch"}, http.StatusUnprocessableEntity},
		{"unknown rule", "POST", "/sessions", CreateSessionRequest{Request: "x", SpecialRules: []string{"yolo"}}, http.StatusUnprocessableEntity},
		{"unknown group", "POST", base + "/advance", AdvanceRequest{GroupID: "G9", Role: "implementer"}, http.StatusNotFound},
		{"zero seq", "POST", base + "/turns", TurnRequest{Role: "planner", Content: "x"}, http.StatusUnprocessableEntity},
		{"latest without subtype", "GET", base + "/events/latest", nil, http.StatusUnprocessableEntity},
		{"latest missing", "GET", base + "/events/latest?subtype=nothing", nil, http.StatusNotFound},
		{"phases without role", "GET", base + "/phases", nil, http.StatusUnprocessableEntity},
		{"bad limit", "GET", "/sessions?limit=ten", nil, http.StatusUnprocessableEntity},
		{"archive running session", "POST", base + "/archive", nil, http.StatusConflict},
		{"bad stream resume", "GET", base + "/stream?after=x", nil, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, tt.method, tt.path, tt.body, nil))
		})
	}

	t.Run("malformed JSON", func(t *testing.T) {
		resp, err := f.ts.Client().Post(f.ts.URL+"/sessions", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(store.ErrStoreUnavailable))
	assert.Equal(t, http.StatusConflict, statusFor(store.ErrConcurrentModification))
	assert.Equal(t, http.StatusConflict, statusFor(store.ErrGroupBusy))
	assert.Equal(t, http.StatusPreconditionFailed, statusFor(&lifecycle.IncompletePhaseError{Role: "qa"}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func TestMeteringAndSnapshots(t *testing.T) {
	f := newFixture(t)
	sess, g := f.startSession(t)
	base := "/sessions/" + sess.ID

	require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/usage", UsageRequest{GroupID: g.ID, Role: "implementer", TokensIn: 100, TokensOut: 20}, nil))
	require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/usage", UsageRequest{Role: "implementer", TokensIn: 5, TokensOut: 1}, nil))
	var usage []store.RoleUsage
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/usage", nil, &usage))
	require.Len(t, usage, 1)
	assert.Equal(t, int64(105), usage[0].TokensIn)

	require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/skills", SkillOutputRequest{Role: "verifier", Skill: "lint", Output: json.RawMessage(`{"issues":0}`)}, nil))
	var outs []store.SkillOutput
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/skills?skill=lint", nil, &outs))
	assert.Len(t, outs, 1)

	require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/snapshots", SnapshotRequest{StateType: "orchestrator", Data: json.RawMessage(`{"step":1}`)}, nil))
	require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/snapshots", SnapshotRequest{StateType: "orchestrator", Data: json.RawMessage(`{"step":2}`)}, nil))
	var snap store.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, "GET", base+"/snapshots/orchestrator", nil, &snap))
	assert.JSONEq(t, `{"step":2}`, string(snap.Data))
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", base+"/snapshots/other", nil, nil))

	var ev store.Event
	key := SaveEventRequest{GroupID: g.ID, Subtype: ledger.SubtypeReviewIssues, Payload: json.RawMessage(`{"n":1}`)}
	require.Equal(t, http.StatusOK, f.do(t, "POST", base+"/events", key, &ev))
	key.Payload = json.RawMessage(`{"n":2}`)
	require.Equal(t, http.StatusOK, f.do(t, "POST", base+"/events", key, &ev))
	assert.Equal(t, 2, ev.Revision)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

// readEvents reads SSE frames until n have arrived.
func readEvents(t *testing.T, body io.Reader, n int) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(body)
	for len(out) < n && sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Len(t, out, n, "stream ended early: %v", sc.Err())
	return out
}

func openStream(t *testing.T, f *fixture, path, lastID string) (io.ReadCloser, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	req, err := http.NewRequestWithContext(ctx, "GET", f.ts.URL+path, nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { resp.Body.Close() })
	return resp.Body, cancel
}

func TestStream_ReplaysFromLastEventID(t *testing.T) {
	f := newFixture(t)
	sess, g := f.startSession(t)
	base := "/sessions/" + sess.ID

	require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/turns", TurnRequest{GroupID: g.ID, Role: "implementer", Seq: 1, Content: "working"}, nil))
	require.Equal(t, http.StatusCreated, f.do(t, "POST", base+"/turns", TurnRequest{GroupID: g.ID, Role: "planner", Seq: 2, Content: "BAZINGA"}, nil))

	body, cancel := openStream(t, f, base+"/stream", "0")
	defer cancel()

	got := readEvents(t, body, 5)
	kinds := make([]string, len(got))
	for i, e := range got {
		kinds[i] = e.event
	}
	assert.Equal(t, []string{"session:started", "group:updated", "log:added", "log:added", "terminal:reached"}, kinds)
	assert.Equal(t, got[3].id, got[4].id)

	var n watch.Notification
	require.NoError(t, json.Unmarshal([]byte(got[2].data), &n))
	assert.Equal(t, sess.ID, n.SessionID)

	// Resuming after the first log skips what was already seen.
	body2, cancel2 := openStream(t, f, base+"/stream", got[2].id)
	defer cancel2()
	again := readEvents(t, body2, 2)
	assert.Equal(t, "log:added", again[0].event)
	assert.Equal(t, "terminal:reached", again[1].event)
}

func TestStream_LiveAndLagged(t *testing.T) {
	f := newFixtureWithBuffer(t, 2)
	body, cancel := openStream(t, f, "/stream", "")
	defer cancel()

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	f.hub.Publish(watch.Notification{ID: 41, Kind: watch.KindGroupUpdated, SessionID: "s1", GroupID: "G1"})
	f.hub.Publish(watch.Notification{ID: 42, Kind: watch.KindSessionCompleted, SessionID: "s2"})

	got := readEvents(t, body, 2)
	assert.Equal(t, "41", got[0].id)
	assert.Equal(t, "group:updated", got[0].event)
	assert.Equal(t, "session:completed", got[1].event)

	for i := int64(100); i < 5100; i++ {
		f.hub.Publish(watch.Notification{ID: i, Kind: watch.KindLogAdded, SessionID: "s1"})
	}
	frames := readAll(t, body)
	assert.Contains(t, frames, "event: lagged")
	assert.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, _ := io.ReadAll(r)
	return string(data)
}

func TestStream_UnknownSession(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/sessions/missing/stream", nil, nil))
}
