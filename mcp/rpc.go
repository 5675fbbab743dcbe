// Package mcp implements the server side of the Model Context Protocol: a
// JSON-RPC 2.0 message stream carried over a persistent full-duplex
// connection. Each connection runs a small state machine that dispatches
// initialize, tools/list, tools/call, and ping; tool calls are thin adapters
// over the job service, the planning service, and the graph store.
package mcp

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version tag carried by every message.
const Version = "2.0"

// ProtocolVersion is the MCP revision this server implements.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type (
	// Message is one JSON-RPC 2.0 frame. A request carries Method and ID, a
	// notification carries Method without ID, and a response carries ID with
	// either Result or Error. The ID is kept raw so numeric and string ids
	// echo back byte-for-byte.
	Message struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}

	// RPCError is the error member of a JSON-RPC response.
	RPCError struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
)

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool { return m.Method != "" && len(m.ID) > 0 }

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool { return m.Method != "" && len(m.ID) == 0 }

// parseMessage decodes one frame and checks the version tag. The returned
// error response, when non-nil, already carries the appropriate code.
func parseMessage(data []byte) (*Message, *Message) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, newError(nil, CodeParseError, "parse error: "+err.Error())
	}
	if msg.JSONRPC != Version {
		return nil, newError(msg.ID, CodeInvalidRequest, fmt.Sprintf("invalid jsonrpc version %q", msg.JSONRPC))
	}
	if msg.Method == "" && msg.Result == nil && msg.Error == nil {
		return nil, newError(msg.ID, CodeInvalidRequest, "message has no method, result, or error")
	}
	return &msg, nil
}

// newResult builds a success response. Encoding failures degrade to an
// internal error response so the caller always gets an answer.
func newResult(id json.RawMessage, result any) *Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return newError(id, CodeInternalError, "encode result: "+err.Error())
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}
}

// newError builds an error response.
func newError(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// newNotification builds a notification.
func newNotification(method string, params any) *Message {
	msg := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		if raw, err := json.Marshal(params); err == nil {
			msg.Params = raw
		}
	}
	return msg
}
