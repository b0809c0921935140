package mcpserver

import (
	"bytes"
	"encoding/json"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Request is one incoming JSON-RPC 2.0 message. The custom unmarshaller
// tracks id presence so notifications (no id) are distinguished from
// requests with an explicit null id, which are invalid.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	idPresent bool
	idInvalid bool
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}

	r.JSONRPC = raw.JSONRPC
	r.Method = raw.Method
	r.Params = raw.Params
	r.ID = nil
	r.idInvalid = false

	rawID, ok := object["id"]
	r.idPresent = ok
	if !ok {
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(rawID), []byte("null")) {
		r.idInvalid = true
		return nil
	}
	var id any
	if err := json.Unmarshal(rawID, &id); err != nil {
		return err
	}
	switch id.(type) {
	case string, float64:
		r.ID = id
	default:
		r.idInvalid = true
	}
	return nil
}

// IsNotification reports whether the message carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool { return !r.idPresent }

// Response is one outgoing JSON-RPC 2.0 message.
type Response struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload is the JSON-RPC 2.0 error member.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// toolContent is one entry of an MCP tool result.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is the MCP tools/call result shape. Tool failures travel here
// with IsError set, not as JSON-RPC errors.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}
