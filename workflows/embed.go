// Package workflows holds the built-in transition rule set.
package workflows

import _ "embed"

// DefaultTransitions is the rule set used when no transitions file is
// configured.
//
//go:embed transitions.yaml
var DefaultTransitions []byte
