package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// marshalIndent serializes a value to indented JSON bytes.
func marshalIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// stringList reads a list argument that may arrive as a JSON array, a
// JSON-encoded string, or a comma-separated string.
func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return compact(t), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list item, got %T", item)
			}
			out = append(out, s)
		}
		return compact(out), nil
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") {
			var out []string
			if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
				return nil, fmt.Errorf("parse list: %w", err)
			}
			return compact(out), nil
		}
		return compact(strings.Split(trimmed, ",")), nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
