package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gojson "github.com/goccy/go-json"

	"tabbridge/internal/bridge"
	"tabbridge/internal/catalog"
)

func (s *Server) listTools() (toolsListResult, *Error) {
	builtins, err := catalog.Builtins()
	if err != nil {
		return toolsListResult{}, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	descriptors := make([]toolDescriptor, 0, len(builtins))
	for _, tool := range builtins {
		descriptors = append(descriptors, toolDescriptor(tool))
	}
	if s.tools != nil {
		for _, tool := range s.tools.Snapshot().Tools() {
			descriptors = append(descriptors, toolDescriptor(tool))
		}
	}
	return toolsListResult{Tools: descriptors}, nil
}

// CallTool runs one tools/call. Failures the caller should see become text
// results with IsError set; only malformed input is returned as an error.
func (s *Server) CallTool(ctx context.Context, name string, rawArgs json.RawMessage) (ToolResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ToolResult{}, &Error{Code: CodeInvalidParams, Message: "tool name is required"}
	}
	args, target, err := splitTarget(rawArgs)
	if err != nil {
		return ToolResult{}, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}

	fields := map[string]string{"tool": name, "target": target}
	s.logger.Info("tool called", fields)

	switch name {
	case catalog.ListTabsTool:
		return textResult(s.describeTabs(), false), nil
	case catalog.ScreenshotTool:
		return textResult(fmt.Sprintf("Screenshot functionality requested for tab %s (not implemented yet).", target), false), nil
	}

	if s.invoker == nil {
		return textResult("Error: No browser tabs connected", true), nil
	}
	result, err := s.invoker.Invoke(ctx, target, name, args, s.timeout)
	if err != nil {
		s.logger.Warn("tool call failed", withError(fields, err))
		return textResult(describeFailure(err), true), nil
	}
	return textResult(indentResult(result), false), nil
}

func (s *Server) describeTabs() string {
	if s.invoker == nil {
		return "No tabs connected."
	}
	peers := s.invoker.Peers()
	if len(peers) == 0 {
		return "No tabs connected."
	}
	lines := make([]string, 0, len(peers))
	for _, peer := range peers {
		lines = append(lines, fmt.Sprintf("ID: %s | URL: %s | UA: %s", peer.ID, peer.URL, peer.UserAgent))
	}
	return strings.Join(lines, "\n")
}

// splitTarget removes tab_id from the arguments and returns it as the
// target selector, defaulting to "latest".
func splitTarget(raw json.RawMessage) (json.RawMessage, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), bridge.SelectorLatest, nil
	}
	var args map[string]json.RawMessage
	if err := gojson.Unmarshal(trimmed, &args); err != nil || args == nil {
		return nil, "", errors.New("arguments must be an object")
	}

	target := bridge.SelectorLatest
	if value, ok := args[catalog.TabIDParameter]; ok {
		delete(args, catalog.TabIDParameter)
		target = selectorFrom(value)
	}

	encoded, err := gojson.Marshal(args)
	if err != nil {
		return nil, "", err
	}
	return encoded, target, nil
}

func selectorFrom(raw json.RawMessage) string {
	var text string
	if err := gojson.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return bridge.SelectorLatest
		}
		return strings.TrimSpace(text)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return bridge.SelectorLatest
	}
	return trimmed
}

func describeFailure(err error) string {
	var timeoutErr *bridge.TimeoutError
	var noTarget *bridge.NoTargetError
	var peerErr *bridge.PeerError
	var queueFull *bridge.QueueFullError
	switch {
	case errors.As(err, &queueFull):
		return fmt.Sprintf("Execution Failed: Tab %s is busy, request not delivered within %s", queueFull.PeerID, queueFull.After)
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("Timeout: Tool '%s' timed out after %s", timeoutErr.Operation, timeoutErr.After)
	case errors.As(err, &noTarget):
		if bridge.IsLatest(noTarget.Selector) {
			return "Error: No browser tabs connected"
		}
		return fmt.Sprintf("Error: Tab ID %s not found", noTarget.Selector)
	case errors.As(err, &peerErr):
		return "Execution Failed: Browser error: " + peerErr.Message
	case errors.Is(err, bridge.ErrPeerDisconnected):
		return "Execution Failed: Tab disconnected"
	default:
		return "Execution Failed: " + err.Error()
	}
}

func indentResult(result json.RawMessage) string {
	if len(bytes.TrimSpace(result)) == 0 {
		return "null"
	}
	var out bytes.Buffer
	if err := gojson.Indent(&out, result, "", "  "); err != nil {
		return string(result)
	}
	return out.String()
}

func withError(fields map[string]string, err error) map[string]string {
	merged := make(map[string]string, len(fields)+1)
	for key, value := range fields {
		merged[key] = value
	}
	merged["error"] = err.Error()
	return merged
}
