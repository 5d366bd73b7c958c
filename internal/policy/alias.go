package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AliasTable maps a group-style tool name to the concrete tool names it
// denotes. Resolved once per decision so the enforcer stays a pure function
// of (table, snapshot, name).
type AliasTable map[string][]string

// Expand resolves a tool name to the set of names policy rules apply to.
// A name without an alias expands to itself. Expansion is one level deep:
// aliases of aliases are not followed.
func (t AliasTable) Expand(name string) []string {
	if t == nil {
		return []string{name}
	}
	targets, ok := t[name]
	if !ok || len(targets) == 0 {
		return []string{name}
	}
	out := make([]string, 0, len(targets))
	out = append(out, targets...)
	return out
}

// LoadAliases reads an alias table from a YAML file. A missing path or
// missing file yields an empty table.
func LoadAliases(path string) (AliasTable, error) {
	if path == "" {
		return AliasTable{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AliasTable{}, nil
		}
		return nil, fmt.Errorf("read alias table: %w", err)
	}
	var t AliasTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}
	if t == nil {
		t = AliasTable{}
	}
	return t, nil
}
