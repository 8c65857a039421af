package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON returns the raw file as JSON bytes. YAML files are decoded
// and re-marshaled so one strict JSON decoder (DisallowUnknownFields)
// serves both formats.
func toStrictJSON(path string, raw []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return raw, nil
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return out, nil
}

// stringifyKeys rewrites every map key to a string; yaml.v3 can produce
// map[any]any for nested mappings, which json.Marshal rejects.
func stringifyKeys(v any) any {
	switch doc := v.(type) {
	case map[string]any:
		for k, item := range doc {
			doc[k] = stringifyKeys(item)
		}
		return doc
	case map[any]any:
		out := make(map[string]any, len(doc))
		for k, item := range doc {
			out[fmt.Sprint(k)] = stringifyKeys(item)
		}
		return out
	case []any:
		for i, item := range doc {
			doc[i] = stringifyKeys(item)
		}
		return doc
	default:
		return v
	}
}
