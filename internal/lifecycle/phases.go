package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/berth-dev/baton/internal/store"
)

// RequiredPhases are the reasoning phases every role-instance must record
// before its turn is closed.
var RequiredPhases = []store.Phase{store.PhaseUnderstanding, store.PhaseCompletion}

// PhaseReport is the result of a mandatory-phase check.
type PhaseReport struct {
	Complete  bool          `json:"complete"`
	Missing   []store.Phase `json:"missing"`
	Iteration int           `json:"iteration"`
}

// IncompletePhaseError is returned by Advance when the role-instance has not
// yet recorded every required phase.
type IncompletePhaseError struct {
	Role      string
	AgentID   string
	GroupID   string
	Iteration int
	Missing   []store.Phase
}

func (e *IncompletePhaseError) Error() string {
	names := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		names[i] = string(p)
	}
	who := e.Role
	if e.AgentID != "" {
		who += " (" + e.AgentID + ")"
	}
	where := "session"
	if e.GroupID != "" {
		where = "group " + e.GroupID
	}
	return fmt.Sprintf("%s has not recorded phases %s for %s iteration %d",
		who, strings.Join(names, ", "), where, e.Iteration)
}

// CheckMandatoryPhases reports which required phases role has not recorded
// within the group at its current revision. When agentID is set only that
// role-instance's reasoning counts. It only reads.
func (m *Manager) CheckMandatoryPhases(ctx context.Context, sessionID, groupID, role, agentID string) (*PhaseReport, error) {
	iteration := 0
	if groupID != "" {
		g, err := m.store.GetTaskGroup(ctx, sessionID, groupID)
		if err != nil {
			return nil, err
		}
		iteration = g.Revision
	} else if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.checkPhases(ctx, sessionID, groupID, role, agentID, iteration)
}

func (m *Manager) checkPhases(ctx context.Context, sessionID, groupID, role, agentID string, iteration int) (*PhaseReport, error) {
	recorded, err := m.store.RecordedPhases(ctx, sessionID, groupID, role, agentID, iteration)
	if err != nil {
		return nil, err
	}
	have := make(map[store.Phase]struct{}, len(recorded))
	for _, p := range recorded {
		have[p] = struct{}{}
	}

	report := &PhaseReport{Iteration: iteration, Missing: []store.Phase{}}
	for _, p := range m.opts.RequiredPhases {
		if _, ok := have[p]; !ok {
			report.Missing = append(report.Missing, p)
		}
	}
	report.Complete = len(report.Missing) == 0
	return report, nil
}
