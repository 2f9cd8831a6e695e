// Package catalog loads the tool definitions peers execute and derives the
// control-plane view of them.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
)

const (
	TabIDParameter   = "tab_id"
	TabIDDescription = "Target Browser Tab ID or 'latest'"
)

var ErrInvalidRecord = errors.New("invalid tool record")

// Tool is the control-plane view of one catalog record.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Catalog is an immutable snapshot of a tool file.
type Catalog struct {
	source   string
	loadedAt time.Time
	missing  bool
	raw      []json.RawMessage
	tools    []Tool
	byName   map[string]int
	warnings []string
}

// New builds a snapshot from raw records. Records that cannot be turned into
// a tool stay in the manifest and are reported through Warnings.
func New(source string, records []json.RawMessage) *Catalog {
	catalog := &Catalog{
		source:   source,
		loadedAt: time.Now().UTC(),
		raw:      make([]json.RawMessage, 0, len(records)),
		byName:   make(map[string]int),
	}
	for index, record := range records {
		catalog.raw = append(catalog.raw, record)
		tool, err := toolFromRecord(record)
		if err != nil {
			catalog.warnings = append(catalog.warnings, fmt.Sprintf("record %d: %v", index, err))
			continue
		}
		if IsBuiltin(tool.Name) {
			catalog.warnings = append(catalog.warnings, fmt.Sprintf("record %d: %q is a built-in tool", index, tool.Name))
			continue
		}
		if _, exists := catalog.byName[tool.Name]; exists {
			catalog.warnings = append(catalog.warnings, fmt.Sprintf("record %d: duplicate tool %q", index, tool.Name))
			continue
		}
		catalog.byName[tool.Name] = len(catalog.tools)
		catalog.tools = append(catalog.tools, tool)
	}
	return catalog
}

// Empty returns a catalog with no tools.
func Empty(source string) *Catalog {
	return New(source, nil)
}

func (c *Catalog) Source() string {
	if c == nil {
		return ""
	}
	return c.source
}

func (c *Catalog) LoadedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.loadedAt
}

// Missing reports whether the source file did not exist at load time.
func (c *Catalog) Missing() bool {
	return c != nil && c.missing
}

func (c *Catalog) Warnings() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.warnings...)
}

// Manifest returns the raw records as read from the source.
func (c *Catalog) Manifest() []json.RawMessage {
	if c == nil {
		return nil
	}
	return append([]json.RawMessage(nil), c.raw...)
}

func (c *Catalog) Tools() []Tool {
	if c == nil {
		return nil
	}
	return append([]Tool(nil), c.tools...)
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	if c == nil {
		return Tool{}, false
	}
	index, ok := c.byName[name]
	if !ok {
		return Tool{}, false
	}
	return c.tools[index], true
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}

func toolFromRecord(record json.RawMessage) (Tool, error) {
	var fields map[string]any
	if err := gojson.Unmarshal(record, &fields); err != nil || fields == nil {
		return Tool{}, fmt.Errorf("%w: expected object", ErrInvalidRecord)
	}
	name, _ := fields["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return Tool{}, fmt.Errorf("%w: missing name", ErrInvalidRecord)
	}

	schema, err := inputSchema(fields)
	if err != nil {
		return Tool{}, fmt.Errorf("%w: tool %q: %v", ErrInvalidRecord, name, err)
	}
	InjectTabID(schema)

	return Tool{
		Name:        name,
		Description: describe(fields),
		InputSchema: schema,
	}, nil
}

func describe(fields map[string]any) string {
	if text, ok := fields["explain_for_ai"].(string); ok {
		return text
	}
	if text, ok := fields["description"].(string); ok {
		return text
	}
	return ""
}

func inputSchema(fields map[string]any) (map[string]any, error) {
	for _, key := range []string{"parameters", "input_schema"} {
		value, present := fields[key]
		if !present || value == nil {
			continue
		}
		schema, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s must be an object", key)
		}
		return schema, nil
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}, nil
}

// InjectTabID adds the target selector parameter unless the schema already
// declares one.
func InjectTabID(schema map[string]any) {
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		properties = map[string]any{}
		schema["properties"] = properties
	}
	if _, exists := properties[TabIDParameter]; exists {
		return
	}
	properties[TabIDParameter] = map[string]any{
		"type":        "string",
		"description": TabIDDescription,
		"default":     "latest",
	}
}
