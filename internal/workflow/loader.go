package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/berth-dev/baton/workflows"
)

// Parse decodes and compiles a YAML rule set. Unknown keys are rejected.
func Parse(data []byte) (*Table, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ConfigurationError{Problems: []string{"rule set is empty"}}
	}
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("decode: %v", err)}}
	}
	return Compile(def)
}

// LoadFile reads and compiles the rule set at path.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transitions %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Source = path
		}
		return nil, err
	}
	return t, nil
}

// Default compiles the built-in rule set.
func Default() (*Table, error) {
	t, err := Parse(workflows.DefaultTransitions)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Source = "built-in transitions"
		}
		return nil, err
	}
	return t, nil
}

// Load compiles the rule set at path, or the built-in one when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}
