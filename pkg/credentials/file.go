package credentials

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a credential file mapping group names to ordered token
// lists. Both YAML and JSON are accepted:
//
//	{"group_1": ["key-a", "key-b"], "group_2": ["key-c"]}
func LoadFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	return Parse(data)
}

// Parse decodes credential file contents. Blank tokens are discarded.
func Parse(data []byte) (map[string][]string, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode credential file: %w", err)
	}

	groups := make(map[string][]string, len(raw))
	for group, tokens := range raw {
		kept := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			if tok = strings.TrimSpace(tok); tok != "" {
				kept = append(kept, tok)
			}
		}
		groups[group] = kept
	}
	return groups, nil
}
