package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// AnyRole matches every role in an override.
const AnyRole = "*"

// Definition is the declarative form of a transition table as written in
// YAML.
type Definition struct {
	Version   int            `yaml:"version"`
	Fallback  string         `yaml:"fallback"`
	Rules     []RuleSpec     `yaml:"rules"`
	Overrides []OverrideSpec `yaml:"overrides"`
}

// RuleSpec maps one (role, marker) pair to an action. Exactly one of Next,
// Escalate or Terminate must be set.
type RuleSpec struct {
	Role      string `yaml:"role"`
	Marker    string `yaml:"marker"`
	Next      string `yaml:"next,omitempty"`
	Escalate  string `yaml:"escalate,omitempty"`
	Terminate string `yaml:"terminate,omitempty"`
	Rework    bool   `yaml:"rework,omitempty"`
}

// OverrideSpec is a named special rule consulted before the base rules.
type OverrideSpec struct {
	Name      string   `yaml:"name"`
	Role      string   `yaml:"role"`
	Markers   []string `yaml:"markers,omitempty"`
	Next      string   `yaml:"next,omitempty"`
	Escalate  string   `yaml:"escalate,omitempty"`
	Terminate string   `yaml:"terminate,omitempty"`
	Rework    bool     `yaml:"rework,omitempty"`
}

type rule struct {
	marker string
	action NextAction
}

type override struct {
	name    string
	role    string
	markers map[string]struct{}
	action  NextAction
}

// Table is an immutable, validated transition table. Build one with Compile
// or a loader; the zero value is not usable.
type Table struct {
	version   int
	fallback  string
	rules     map[string][]rule
	overrides []override
	markers   []string
}

// Version returns the rule set version.
func (t *Table) Version() int { return t.version }

// Fallback returns the role that receives unrecognized outcomes.
func (t *Table) Fallback() string { return t.fallback }

// Markers returns every marker the table or its overrides mention, sorted.
func (t *Table) Markers() []string {
	out := make([]string, len(t.markers))
	copy(out, t.markers)
	return out
}

// Roles returns every role that has base rules, sorted.
func (t *Table) Roles() []string {
	roles := make([]string, 0, len(t.rules))
	for r := range t.rules {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Overrides returns the names of the declared special rules in order.
func (t *Table) Overrides() []string {
	names := make([]string, len(t.overrides))
	for i, o := range t.overrides {
		names[i] = o.name
	}
	return names
}

// HasOverride reports whether name is a declared special rule.
func (t *Table) HasOverride(name string) bool {
	for _, o := range t.overrides {
		if o.name == name {
			return true
		}
	}
	return false
}

// Compile validates def and builds a Table. All problems are collected into
// a single *ConfigurationError.
func Compile(def Definition) (*Table, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	version := def.Version
	if version == 0 {
		version = 1
	}
	if version < 0 {
		addf("version must be positive, got %d", def.Version)
	}

	t := &Table{
		version:  version,
		fallback: strings.TrimSpace(def.Fallback),
		rules:    make(map[string][]rule),
	}
	markers := make(map[string]struct{})
	seen := make(map[string]int)
	var targets []string

	for i, spec := range def.Rules {
		role := strings.TrimSpace(spec.Role)
		marker := strings.TrimSpace(spec.Marker)
		where := fmt.Sprintf("rule %d", i+1)
		if role == "" {
			addf("%s: role is required", where)
			continue
		}
		if marker == "" {
			addf("%s (%s): marker is required", where, role)
			continue
		}
		where = fmt.Sprintf("rule %d (%s+%s)", i+1, role, marker)

		key := role + "\x00" + marker
		if prev, dup := seen[key]; dup {
			addf("%s: ambiguous, already mapped by rule %d", where, prev)
			continue
		}
		seen[key] = i + 1

		action, err := buildAction(spec.Next, spec.Escalate, spec.Terminate, spec.Rework)
		if err != nil {
			addf("%s: %v", where, err)
			continue
		}
		if action.Kind == ActionRouteTo {
			targets = append(targets, action.Role)
		}
		markers[marker] = struct{}{}
		t.rules[role] = append(t.rules[role], rule{marker: marker, action: action})
	}

	names := make(map[string]struct{})
	for i, spec := range def.Overrides {
		name := strings.TrimSpace(spec.Name)
		where := fmt.Sprintf("override %d", i+1)
		if name == "" {
			addf("%s: name is required", where)
			continue
		}
		where = fmt.Sprintf("override %q", name)
		if _, dup := names[name]; dup {
			addf("%s: declared twice", where)
			continue
		}
		names[name] = struct{}{}

		role := strings.TrimSpace(spec.Role)
		if role == "" {
			role = AnyRole
		}
		action, err := buildAction(spec.Next, spec.Escalate, spec.Terminate, spec.Rework)
		if err != nil {
			addf("%s: %v", where, err)
			continue
		}
		if action.Kind == ActionRouteTo {
			targets = append(targets, action.Role)
		}
		o := override{name: name, role: role, action: action}
		if len(spec.Markers) > 0 {
			o.markers = make(map[string]struct{}, len(spec.Markers))
			for _, m := range spec.Markers {
				m = strings.TrimSpace(m)
				o.markers[m] = struct{}{}
				markers[m] = struct{}{}
			}
		}
		t.overrides = append(t.overrides, o)
	}

	switch {
	case t.fallback == "":
		addf("fallback role is required")
	case len(t.rules[t.fallback]) == 0:
		addf("fallback role %q has no rules", t.fallback)
	}
	for _, target := range targets {
		if len(t.rules[target]) == 0 && target != t.fallback {
			addf("route target %q has no rules", target)
		}
	}
	if len(t.rules) == 0 {
		addf("no rules defined")
	}

	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: dedupe(problems)}
	}

	for m := range markers {
		t.markers = append(t.markers, m)
	}
	sort.Strings(t.markers)
	return t, nil
}

func buildAction(next, escalate, terminate string, rework bool) (NextAction, error) {
	next = strings.TrimSpace(next)
	escalate = strings.TrimSpace(escalate)
	terminate = strings.TrimSpace(terminate)

	set := 0
	for _, v := range []string{next, escalate, terminate} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return NextAction{}, fmt.Errorf("exactly one of next, escalate or terminate must be set")
	}

	var a NextAction
	switch {
	case next != "":
		a = RouteTo(next)
		if rework {
			a = a.WithRework()
		}
	case escalate != "":
		if rework {
			return NextAction{}, fmt.Errorf("rework applies only to next")
		}
		a = Escalate(escalate)
	default:
		if rework {
			return NextAction{}, fmt.Errorf("rework applies only to next")
		}
		a = Terminate(terminate)
	}
	return a, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
