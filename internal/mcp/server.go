package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	gojson "github.com/goccy/go-json"

	"tabbridge/internal/bridge"
	"tabbridge/internal/catalog"
	"tabbridge/internal/logging"
	"tabbridge/internal/version"
)

// Invoker is the part of the bridge the MCP server drives.
type Invoker interface {
	Invoke(ctx context.Context, target, operation string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Peers() []bridge.PeerSnapshot
}

// ToolSource supplies the current catalog snapshot.
type ToolSource interface {
	Snapshot() *catalog.Catalog
}

type Server struct {
	invoker Invoker
	tools   ToolSource
	logger  *logging.Logger
	timeout time.Duration
}

type ServerOptions struct {
	Invoker     Invoker
	Tools       ToolSource
	Logger      *logging.Logger
	CallTimeout time.Duration
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		invoker: opts.Invoker,
		tools:   opts.Tools,
		logger:  logger.With(map[string]string{logging.FieldCategory: "mcp"}),
		timeout: opts.CallTimeout,
	}
}

// HandleRaw decodes one JSON-RPC message and dispatches it. A nil response
// means the message was a notification or a client response.
func (s *Server) HandleRaw(ctx context.Context, data []byte) *Message {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return newError(nil, CodeInvalidRequest, "batch requests are not supported")
		}
		return newError(nil, CodeParseError, "Parse error")
	}
	var message Message
	if err := gojson.Unmarshal(trimmed, &message); err != nil {
		return newError(nil, CodeParseError, "Parse error")
	}
	return s.Handle(ctx, &message)
}

func (s *Server) Handle(ctx context.Context, message *Message) *Message {
	if message == nil {
		return newError(nil, CodeInvalidRequest, "Invalid Request")
	}
	if message.Method == "" {
		if len(message.ID) > 0 && (len(message.Result) > 0 || message.Error != nil) {
			return nil
		}
		return newError(message.ID, CodeInvalidRequest, "Invalid Request")
	}
	if message.IsNotification() {
		s.logger.Debug("notification received", map[string]string{"method": message.Method})
		return nil
	}

	result, rpcErr := s.dispatch(ctx, message)
	if rpcErr != nil {
		return newError(message.ID, rpcErr.Code, rpcErr.Message)
	}
	return newResult(message.ID, result)
}

func (s *Server) dispatch(ctx context.Context, message *Message) (any, *Error) {
	switch message.Method {
	case MethodInitialize:
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    capabilities{Tools: toolsCapability{ListChanged: true}},
			ServerInfo:      serverInfo{Name: serverName, Version: version.Version},
		}, nil
	case MethodPing:
		return struct{}{}, nil
	case MethodToolsList:
		return s.listTools()
	case MethodToolsCall:
		var params toolsCallParams
		if err := decodeParams(message.Params, &params); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		result, err := s.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			var rpcErr *Error
			if errors.As(err, &rpcErr) {
				return nil, rpcErr
			}
			return nil, &Error{Code: CodeInternalError, Message: err.Error()}
		}
		return result, nil
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "Method not found: " + message.Method}
	}
}

func decodeParams(raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return errors.New("params are required")
	}
	if err := gojson.Unmarshal(raw, target); err != nil {
		return errors.New("invalid params: " + err.Error())
	}
	return nil
}

// Encode renders a message for the wire.
func Encode(message *Message) ([]byte, error) {
	return gojson.Marshal(message)
}
