package observer

import (
	"fmt"
	"net/http"

	"github.com/berth-dev/baton/internal/ledger"
	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "subscribers": s.hub.Subscribers()})
}

// --- Sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = store.ModeSingle
	}
	sess, err := s.mgr.CreateSession(r.Context(), req.Request, req.Mode, req.SpecialRules)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sums, err := s.store.ListSessions(r.Context(), store.ListOptions{
		IncludeArchived: r.URL.Query().Get("all") == "true",
		Limit:           int(limit),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, nonNilSlice(sums))
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.FindActiveSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		s.writeError(w, r, fmt.Errorf("active session: %w", store.ErrNotFound))
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteSessionRequest
	if !readJSON(w, r, &req) {
		return
	}
	sess, err := s.mgr.CompleteSession(r.Context(), r.PathValue("id"), req.Verdict)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.ArchiveSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, sess)
}

// --- Task groups ---

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !readJSON(w, r, &req) {
		return
	}
	g, err := s.mgr.CreateTaskGroup(r.Context(), store.NewTaskGroup{
		SessionID:  r.PathValue("id"),
		ID:         req.ID,
		Name:       req.Name,
		Assignee:   req.Assignee,
		Complexity: req.Complexity,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, g)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListTaskGroups(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, nonNilSlice(groups))
}

// --- Turns, reasoning and routing ---

func (s *Server) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if !readJSON(w, r, &req) {
		return
	}
	it, created, err := s.mgr.RecordTurn(r.Context(), lifecycle.Turn{
		SessionID: r.PathValue("id"),
		GroupID:   req.GroupID,
		Role:      req.Role,
		AgentID:   req.AgentID,
		Seq:       req.Seq,
		Content:   req.Content,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONStatus(w, status, TurnResponse{Interaction: it, Created: created})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	turns, err := s.store.ListInteractions(r.Context(), r.PathValue("id"), after, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, nonNilSlice(turns))
}

func (s *Server) handleNextSeq(w http.ResponseWriter, r *http.Request) {
	seq, err := s.store.NextSequence(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"seq": seq})
}

func (s *Server) handleRecordReasoning(w http.ResponseWriter, r *http.Request) {
	var req ReasoningRequest
	if !readJSON(w, r, &req) {
		return
	}
	sessionID := r.PathValue("id")

	iteration := 0
	if req.Iteration != nil {
		iteration = *req.Iteration
	} else if req.GroupID != "" {
		g, err := s.store.GetTaskGroup(r.Context(), sessionID, req.GroupID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		iteration = g.Revision
	}

	entry, err := s.mgr.RecordReasoning(r.Context(), store.NewReasoning{
		SessionID: sessionID,
		GroupID:   req.GroupID,
		Role:      req.Role,
		AgentID:   req.AgentID,
		Iteration: iteration,
		Phase:     req.Phase,
		Content:   req.Content,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, entry)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !readJSON(w, r, &req) {
		return
	}
	markers := req.Markers
	if len(markers) == 0 && req.Output != "" {
		markers = workflow.ExtractMarkers(req.Output, s.mgr.Router().Table().Markers())
	}

	res, err := s.mgr.Advance(r.Context(), lifecycle.AdvanceRequest{
		SessionID:    r.PathValue("id"),
		GroupID:      req.GroupID,
		Role:         req.Role,
		AgentID:      req.AgentID,
		Markers:      markers,
		SpecialRules: req.SpecialRules,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handlePhases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	if role == "" {
		s.writeError(w, r, fmt.Errorf("phases: %w: role is required", store.ErrInvalidInput))
		return
	}
	report, err := s.mgr.CheckMandatoryPhases(r.Context(), r.PathValue("id"), q.Get("group"), role, q.Get("agent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, report)
}

// --- Ledger ---

func (s *Server) handleSaveEvent(w http.ResponseWriter, r *http.Request) {
	var req SaveEventRequest
	if !readJSON(w, r, &req) {
		return
	}
	ev, err := s.ledger.Save(r.Context(), ledger.Key{
		SessionID: r.PathValue("id"),
		GroupID:   req.GroupID,
		Iteration: req.Iteration,
		Subtype:   req.Subtype,
	}, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, ev)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var events []store.Event
	limit, err := queryInt(r, "limit", 0)
	if err == nil {
		if group := q.Get("group"); group != "" {
			events, err = s.ledger.GroupEvents(r.Context(), sessionID, group, q.Get("subtype"), int(limit))
		} else {
			events, err = s.ledger.Events(r.Context(), sessionID, q.Get("subtype"), int(limit))
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, nonNilSlice(events))
}

func (s *Server) handleLatestEvent(w http.ResponseWriter, r *http.Request) {
	subtype := r.URL.Query().Get("subtype")
	if subtype == "" {
		s.writeError(w, r, fmt.Errorf("latest event: %w: subtype is required", store.ErrInvalidInput))
		return
	}
	ev, err := s.ledger.Latest(r.Context(), r.PathValue("id"), subtype)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, ev)
}

// --- Metering and snapshots ---

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !readJSON(w, r, &req) {
		return
	}
	u, err := s.store.InsertTokenUsage(r.Context(), store.NewTokenUsage{
		SessionID: r.PathValue("id"),
		GroupID:   req.GroupID,
		Role:      req.Role,
		AgentID:   req.AgentID,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, u)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.TokenUsageSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, nonNilSlice(sum))
}

func (s *Server) handleSaveSkillOutput(w http.ResponseWriter, r *http.Request) {
	var req SkillOutputRequest
	if !readJSON(w, r, &req) {
		return
	}
	out, err := s.store.InsertSkillOutput(r.Context(), r.PathValue("id"), req.Role, req.Skill, req.Output)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, out)
}

func (s *Server) handleListSkillOutputs(w http.ResponseWriter, r *http.Request) {
	outs, err := s.store.SkillOutputs(r.Context(), r.PathValue("id"), r.URL.Query().Get("skill"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, nonNilSlice(outs))
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if !readJSON(w, r, &req) {
		return
	}
	snap, err := s.store.SaveSnapshot(r.Context(), r.PathValue("id"), req.StateType, req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, snap)
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LatestSnapshot(r.Context(), r.PathValue("id"), r.PathValue("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, snap)
}

// nonNilSlice makes empty listings encode as [] rather than null.
func nonNilSlice[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

