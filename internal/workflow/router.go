package workflow

// Router decides the next step from a role's outcome. It holds no state
// beyond its table and is safe for concurrent use.
type Router struct {
	table *Table
}

// NewRouter returns a router over t.
func NewRouter(t *Table) *Router {
	return &Router{table: t}
}

// Table returns the table the router was built from.
func (r *Router) Table() *Table {
	return r.table
}

// Next returns the action for role given its outcome markers and the active
// special rules. Overrides named in specialRules are consulted first, in
// declaration order, then the role's base rules in declaration order. When
// nothing matches the work is routed to the fallback role.
func (r *Router) Next(role string, markers, specialRules []string) NextAction {
	have := toSet(markers)
	active := toSet(specialRules)

	for _, o := range r.table.overrides {
		if _, on := active[o.name]; !on {
			continue
		}
		if o.role != AnyRole && o.role != role {
			continue
		}
		if o.markers == nil || intersects(o.markers, have) {
			return o.action
		}
	}

	for _, rl := range r.table.rules[role] {
		if _, ok := have[rl.marker]; ok {
			return rl.action
		}
	}
	return RouteTo(r.table.fallback)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
