package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode strictly decodes a JSON or YAML document. The format follows the
// extension of name; without one, anything not starting with '{' is YAML.
// Unknown keys and trailing documents are errors.
func Decode(name string, data []byte) (*Config, error) {
	if looksYAML(name, data) {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	return &cfg, nil
}

func looksYAML(name string, data []byte) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".yaml" || ext == ".yml" {
		return true
	}
	if ext != "" {
		return false
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] != '{'
}

// yamlToJSON re-encodes a YAML document so both formats share the strict
// JSON decoder and the custom UnmarshalJSON hooks.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys) into
// map[string]any.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[fmt.Sprint(k)] = stringKeys(inner)
		}
		return out
	case map[string]any:
		for k, inner := range t {
			t[k] = stringKeys(inner)
		}
	case []any:
		for i, inner := range t {
			t[i] = stringKeys(inner)
		}
	}
	return v
}

// fingerprint hashes the JSON form of v. It is 0 for nil or unencodable
// values, which never compare equal to a real config.
func fingerprint(v any) uint64 {
	if v == nil {
		return 0
	}
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
