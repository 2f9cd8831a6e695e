// Package protocol defines the JSON messages exchanged with browser peers.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gojson "github.com/goccy/go-json"
)

const (
	TypeWelcome       = "WELCOME"
	TypeToolsManifest = "TOOLS_MANIFEST"
	TypeLog           = "LOG"
)

const WelcomeMessage = "Connected to MCP Bridge"

var (
	ErrMalformedMessage = errors.New("malformed peer message")
	ErrUnknownMessage   = errors.New("unknown peer message")
)

// Outbound is implemented by every server to peer message.
type Outbound interface {
	outbound()
}

type Welcome struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

func NewWelcome(peerID string) Welcome {
	return Welcome{Type: TypeWelcome, ID: peerID, Message: WelcomeMessage}
}

// ToolsManifest carries the raw catalog records verbatim.
type ToolsManifest struct {
	Type  string            `json:"type"`
	Tools []json.RawMessage `json:"tools"`
}

func NewToolsManifest(tools []json.RawMessage) ToolsManifest {
	if tools == nil {
		tools = []json.RawMessage{}
	}
	return ToolsManifest{Type: TypeToolsManifest, Tools: tools}
}

type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

func (Welcome) outbound()       {}
func (ToolsManifest) outbound() {}
func (CallRequest) outbound()   {}

func Encode(message Outbound) ([]byte, error) {
	if message == nil {
		return nil, fmt.Errorf("encode peer message: nil message")
	}
	if call, ok := message.(CallRequest); ok && len(call.Params) == 0 {
		call.Params = json.RawMessage("{}")
		message = call
	}
	data, err := gojson.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode peer message: %w", err)
	}
	return data, nil
}

// Inbound is implemented by every peer to server message.
type Inbound interface {
	inbound()
}

type LogRecord struct {
	Message string
}

// CallResult answers one CallRequest. Failed is set when the peer reported a
// non-empty error; ErrorText then holds a readable rendering of it.
type CallResult struct {
	ID        string
	Result    json.RawMessage
	Failed    bool
	ErrorText string
}

func (LogRecord) inbound()  {}
func (CallResult) inbound() {}

type inboundEnvelope struct {
	Type    *string         `json:"type"`
	ID      json.RawMessage `json:"id"`
	Message json.RawMessage `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// DecodeInbound classifies a text frame from a peer. Anything that is not a
// LOG record or an id-carrying call result is rejected with
// ErrUnknownMessage or ErrMalformedMessage.
func DecodeInbound(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected JSON object", ErrMalformedMessage)
	}
	var envelope inboundEnvelope
	if err := gojson.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if envelope.Type != nil {
		switch *envelope.Type {
		case TypeLog:
			return LogRecord{Message: renderText(envelope.Message)}, nil
		case "":
		default:
			return nil, fmt.Errorf("%w: type %q", ErrUnknownMessage, *envelope.Type)
		}
	}

	if isAbsent(envelope.ID) {
		return nil, fmt.Errorf("%w: missing type and id", ErrUnknownMessage)
	}
	id, err := decodeID(envelope.ID)
	if err != nil {
		return nil, err
	}

	result := CallResult{ID: id, Result: envelope.Result}
	if isAbsent(result.Result) {
		result.Result = json.RawMessage("null")
	}
	if reported(envelope.Error) {
		result.Failed = true
		result.ErrorText = renderError(envelope.Error)
	}
	return result, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	var id string
	if err := gojson.Unmarshal(raw, &id); err == nil {
		if id == "" {
			return "", fmt.Errorf("%w: empty id", ErrMalformedMessage)
		}
		return id, nil
	}
	var number json.Number
	if err := gojson.Unmarshal(raw, &number); err == nil {
		return number.String(), nil
	}
	return "", fmt.Errorf("%w: id must be a string", ErrMalformedMessage)
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// reported treats null, false, empty strings and empty objects as "no error".
func reported(raw json.RawMessage) bool {
	if isAbsent(raw) {
		return false
	}
	switch strings.TrimSpace(string(raw)) {
	case `""`, "false", "{}", "0", "[]":
		return false
	}
	return true
}

func renderError(raw json.RawMessage) string {
	var text string
	if err := gojson.Unmarshal(raw, &text); err == nil {
		return text
	}
	var object struct {
		Message *string `json:"message"`
	}
	if err := gojson.Unmarshal(raw, &object); err == nil && object.Message != nil && *object.Message != "" {
		return *object.Message
	}
	return compact(raw)
}

func renderText(raw json.RawMessage) string {
	if isAbsent(raw) {
		return ""
	}
	var text string
	if err := gojson.Unmarshal(raw, &text); err == nil {
		return text
	}
	return compact(raw)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
