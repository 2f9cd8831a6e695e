package catalog

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewPrefersExplainForAI(t *testing.T) {
	catalog := New("test", []json.RawMessage{
		json.RawMessage(`{"name":"click","description":"Click","explain_for_ai":"Click an element by selector"}`),
		json.RawMessage(`{"name":"scroll","description":"Scroll the page"}`),
		json.RawMessage(`{"name":"noop"}`),
	})

	tools := catalog.Tools()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	if tools[0].Description != "Click an element by selector" {
		t.Fatalf("expected explain_for_ai description, got %q", tools[0].Description)
	}
	if tools[1].Description != "Scroll the page" {
		t.Fatalf("expected description fallback, got %q", tools[1].Description)
	}
	if tools[2].Description != "" {
		t.Fatalf("expected empty description, got %q", tools[2].Description)
	}
}

func TestNewInjectsTabIDIntoSchemas(t *testing.T) {
	catalog := New("test", []json.RawMessage{
		json.RawMessage(`{"name":"a","parameters":{"type":"object","properties":{"selector":{"type":"string"}},"required":["selector"]}}`),
		json.RawMessage(`{"name":"b","input_schema":{"type":"object"}}`),
		json.RawMessage(`{"name":"c"}`),
		json.RawMessage(`{"name":"d","parameters":{"type":"object","properties":{"tab_id":{"type":"string","description":"custom"}}}}`),
	})

	for _, name := range []string{"a", "b", "c"} {
		tool, ok := catalog.Lookup(name)
		if !ok {
			t.Fatalf("expected tool %s", name)
		}
		properties := tool.InputSchema["properties"].(map[string]any)
		tabID, ok := properties[TabIDParameter].(map[string]any)
		if !ok {
			t.Fatalf("tool %s: expected tab_id property, got %v", name, properties)
		}
		if tabID["description"] != TabIDDescription || tabID["default"] != "latest" {
			t.Fatalf("tool %s: unexpected tab_id schema %v", name, tabID)
		}
	}

	a, _ := catalog.Lookup("a")
	if _, ok := a.InputSchema["properties"].(map[string]any)["selector"]; !ok {
		t.Fatalf("expected original properties to be kept")
	}
	if required := a.InputSchema["required"].([]any); len(required) != 1 || required[0] != "selector" {
		t.Fatalf("expected required list to be kept, got %v", required)
	}

	d, _ := catalog.Lookup("d")
	custom := d.InputSchema["properties"].(map[string]any)[TabIDParameter].(map[string]any)
	if custom["description"] != "custom" {
		t.Fatalf("expected declared tab_id to be kept, got %v", custom)
	}
}

func TestNewSkipsInvalidRecordsButKeepsManifest(t *testing.T) {
	records := []json.RawMessage{
		json.RawMessage(`{"description":"no name"}`),
		json.RawMessage(`"just a string"`),
		json.RawMessage(`{"name":"bad","parameters":"string"}`),
		json.RawMessage(`{"name":"list_tabs"}`),
		json.RawMessage(`{"name":"ok","x-peer":{"selector":"#id"}}`),
		json.RawMessage(`{"name":"ok"}`),
	}
	catalog := New("test", records)

	if catalog.Len() != 1 {
		t.Fatalf("expected 1 usable tool, got %d", catalog.Len())
	}
	if len(catalog.Warnings()) != 5 {
		t.Fatalf("expected 5 warnings, got %v", catalog.Warnings())
	}
	manifest := catalog.Manifest()
	if len(manifest) != len(records) {
		t.Fatalf("expected manifest to keep every record, got %d", len(manifest))
	}
	if string(manifest[4]) != `{"name":"ok","x-peer":{"selector":"#id"}}` {
		t.Fatalf("expected record to be kept verbatim, got %s", manifest[4])
	}
	if !strings.Contains(strings.Join(catalog.Warnings(), "\n"), "built-in") {
		t.Fatalf("expected built-in shadow warning, got %v", catalog.Warnings())
	}
}

func TestBuiltinsSchemas(t *testing.T) {
	tools, err := Builtins()
	if err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != ListTabsTool || tools[1].Name != ScreenshotTool {
		t.Fatalf("unexpected builtins %+v", tools)
	}

	listTabs := tools[0].InputSchema
	if listTabs["type"] != "object" {
		t.Fatalf("expected object schema, got %v", listTabs)
	}
	if props := listTabs["properties"].(map[string]any); len(props) != 0 {
		t.Fatalf("expected no properties for list_tabs, got %v", props)
	}
	if _, ok := listTabs["$schema"]; ok {
		t.Fatalf("expected $schema to be removed")
	}

	tabID := tools[1].InputSchema["properties"].(map[string]any)["tab_id"].(map[string]any)
	if tabID["type"] != "string" || tabID["default"] != "latest" || tabID["description"] != "Tab ID or 'latest'" {
		t.Fatalf("unexpected screenshot tab_id schema %v", tabID)
	}

	tools[1].InputSchema["properties"] = nil
	again, _ := Builtins()
	if again[1].InputSchema["properties"] == nil {
		t.Fatalf("expected builtins to be returned as copies")
	}
}
