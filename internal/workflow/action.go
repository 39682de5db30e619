// Package workflow holds the transition table, the router that consults it,
// and the marker extraction that turns role output into outcome markers.
package workflow

import "fmt"

// ActionKind tags a NextAction.
type ActionKind string

const (
	ActionRouteTo   ActionKind = "route_to"
	ActionEscalate  ActionKind = "escalate"
	ActionTerminate ActionKind = "terminate"
)

// NextAction is the router's decision. Exactly one of Role, Reason or
// Verdict is meaningful, selected by Kind.
type NextAction struct {
	Kind    ActionKind `json:"kind"`
	Role    string     `json:"role,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Verdict string     `json:"verdict,omitempty"`
	// Rework marks a route that sends work back for another revision.
	Rework bool `json:"rework,omitempty"`
}

// RouteTo hands work to role.
func RouteTo(role string) NextAction {
	return NextAction{Kind: ActionRouteTo, Role: role}
}

// Escalate stops the workflow for human attention.
func Escalate(reason string) NextAction {
	return NextAction{Kind: ActionEscalate, Reason: reason}
}

// Terminate ends the workflow with verdict.
func Terminate(verdict string) NextAction {
	return NextAction{Kind: ActionTerminate, Verdict: verdict}
}

// WithRework returns a copy of a marked as a rework cycle.
func (a NextAction) WithRework() NextAction {
	a.Rework = true
	return a
}

func (a NextAction) String() string {
	switch a.Kind {
	case ActionRouteTo:
		if a.Rework {
			return fmt.Sprintf("route_to(%s, rework)", a.Role)
		}
		return fmt.Sprintf("route_to(%s)", a.Role)
	case ActionEscalate:
		return fmt.Sprintf("escalate(%s)", a.Reason)
	case ActionTerminate:
		return fmt.Sprintf("terminate(%s)", a.Verdict)
	default:
		return string(a.Kind)
	}
}
