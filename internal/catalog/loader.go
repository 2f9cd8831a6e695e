package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	gojson "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Load reads a catalog file. JSON files may hold a bare array of records or
// an object with a "tools" array; YAML and TOML files use the "tools" key.
// A missing file yields an empty catalog flagged as missing.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			catalog := Empty(path)
			catalog.missing = true
			return catalog, nil
		}
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	records, err := Decode(formatForPath(path), data)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return New(path, records), nil
}

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Decode parses catalog data into raw JSON records.
func Decode(format Format, data []byte) ([]json.RawMessage, error) {
	switch format {
	case FormatYAML:
		return decodeYAML(data)
	case FormatTOML:
		return decodeTOML(data)
	default:
		return decodeJSON(data)
	}
}

func decodeJSON(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var records []json.RawMessage
		if err := gojson.Unmarshal(trimmed, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var document struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := gojson.Unmarshal(trimmed, &document); err != nil {
		return nil, err
	}
	return document.Tools, nil
}

func decodeYAML(data []byte) ([]json.RawMessage, error) {
	var document struct {
		Tools []map[string]any `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	return encodeRecords(document.Tools)
}

func decodeTOML(data []byte) ([]json.RawMessage, error) {
	var document struct {
		Tools []map[string]any `toml:"tools"`
	}
	if _, err := toml.Decode(string(data), &document); err != nil {
		return nil, err
	}
	return encodeRecords(document.Tools)
}

func encodeRecords(records []map[string]any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(records))
	for index, record := range records {
		normalized, err := normalizeValue(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", index, err)
		}
		data, err := gojson.Marshal(normalized)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", index, err)
		}
		out = append(out, json.RawMessage(data))
	}
	return out, nil
}

// normalizeValue turns decoder-specific map types into JSON-friendly ones.
func normalizeValue(value any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			name, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", key)
			}
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[name] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(typed))
		for i, item := range typed {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return typed, nil
	}
}
