package catalog

import (
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

const (
	ListTabsTool   = "list_tabs"
	ScreenshotTool = "screenshot"
)

type listTabsInput struct{}

type screenshotInput struct {
	TabID string `json:"tab_id,omitempty" jsonschema:"description=Tab ID or 'latest',default=latest"`
}

type builtin struct {
	name        string
	description string
	input       any
}

var builtins = []builtin{
	{
		name:        ListTabsTool,
		description: "Returns a list of all connected browser tabs with their IDs and URLs.",
		input:       &listTabsInput{},
	},
	{
		name:        ScreenshotTool,
		description: "Takes a screenshot of a browser tab",
		input:       &screenshotInput{},
	},
}

var (
	builtinOnce  sync.Once
	builtinTools []Tool
	builtinErr   error
)

// Builtins returns the tools served by the bridge itself, in listing order.
func Builtins() ([]Tool, error) {
	builtinOnce.Do(func() {
		for _, entry := range builtins {
			schema, err := reflectSchema(entry.input)
			if err != nil {
				builtinErr = fmt.Errorf("builtin %s: %w", entry.name, err)
				return
			}
			builtinTools = append(builtinTools, Tool{
				Name:        entry.name,
				Description: entry.description,
				InputSchema: schema,
			})
		}
	})
	if builtinErr != nil {
		return nil, builtinErr
	}
	return cloneTools(builtinTools), nil
}

func IsBuiltin(name string) bool {
	for _, entry := range builtins {
		if entry.name == name {
			return true
		}
	}
	return false
}

func reflectSchema(input any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	data, err := gojson.Marshal(reflector.Reflect(input))
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := gojson.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	if _, ok := schema["properties"].(map[string]any); !ok {
		schema["properties"] = map[string]any{}
	}
	schema["type"] = "object"
	schema["required"] = []any{}
	return schema, nil
}

func cloneTools(tools []Tool) []Tool {
	out := make([]Tool, len(tools))
	for i, tool := range tools {
		out[i] = Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: cloneMap(tool.InputSchema),
		}
	}
	return out
}

func cloneMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for key, item := range value {
		out[key] = cloneValue(item)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return typed
	}
}
