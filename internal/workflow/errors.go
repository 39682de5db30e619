package workflow

import (
	"fmt"
	"strings"
)

// ConfigurationError reports every problem found while loading a
// transition table. A table with problems is never returned.
type ConfigurationError struct {
	Source   string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	src := e.Source
	if src == "" {
		src = "transitions"
	}
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", src, e.Problems[0])
	}
	return fmt.Sprintf("%s: %d problems:\n  - %s", src, len(e.Problems), strings.Join(e.Problems, "\n  - "))
}
