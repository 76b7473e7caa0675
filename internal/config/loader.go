package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Config files are accepted in YAML or JSON, selected by file extension.
// YAML documents are rewritten as JSON before decoding so both formats go
// through the same strict decoder: unknown fields and trailing tokens are
// errors, and kwargs reach task declarations with JSON numeric types.

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isYAMLPath(path) {
		if raw, err = yamlToJSON(raw); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	return decodeStrict(raw)
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(jsonSafe(doc))
}

// jsonSafe rewrites YAML container types so the document survives a JSON
// round trip: map keys become strings, nested containers recurse.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = jsonSafe(child)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = jsonSafe(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = jsonSafe(child)
		}
		return t
	}
	return v
}

func decodeStrict(raw []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(new(json.RawMessage)); err {
	case io.EOF:
		return cfg, nil
	case nil:
		return nil, fmt.Errorf("config: unexpected data after document")
	default:
		return nil, err
	}
}
