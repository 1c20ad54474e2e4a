// Package rpc carries requests between UI-side callers (popup and
// background glue) and the core over a JSON-RPC 2.0 envelope.
package rpc

import (
	"encoding/json"

	"github.com/tagweave/tagweave/internal/txn"
)

// Version is the fixed jsonrpc field value.
const Version = "2.0"

// Meta is optional request metadata.
type Meta struct {
	TraceID string `json:"traceId,omitempty"`
}

// Request is the wire envelope for one operation.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Args    []json.RawMessage `json:"args"`
	Meta    *Meta             `json:"meta,omitempty"`
}

// ErrorObject mirrors txn.Error on the wire.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Response is the wire envelope for a result or error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// requestID renders the raw envelope id as the string the coordinator
// uses for logging and response pairing. A literal null unmarshals into
// a string without assigning, so it is kept verbatim instead.
func requestID(raw json.RawMessage) string {
	if len(raw) > 0 && string(raw) != "null" {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// toWire converts a coordinator response into the envelope form, echoing
// the caller's raw id.
func toWire(id json.RawMessage, resp txn.Response) Response {
	out := Response{JSONRPC: Version, ID: id, Result: resp.Result}
	if resp.Err != nil {
		out.Result = nil
		out.Error = &ErrorObject{
			Code:    resp.Err.Code,
			Message: resp.Err.Message,
			Data:    resp.Err.Data,
			Stack:   resp.Err.Stack,
		}
	}
	return out
}
