package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Minimal JSON-RPC 2.0 types

const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes plus the implementation-defined handler failure.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeHandlerError   = -32000
)

var codeMessages = map[int]string{
	CodeParseError:     "Parse error",
	CodeInvalidRequest: "Invalid Request",
	CodeMethodNotFound: "Method not found",
	CodeInvalidParams:  "Invalid params",
	CodeInternalError:  "Internal error",
	CodeHandlerError:   "Server error",
}

var nullID = json.RawMessage("null")

// Request is a decoded JSON-RPC request or notification. A message is a
// notification when the "id" member is absent; an explicit null id still
// gets a response.
type Request struct {
	JSONRPC string
	ID      json.RawMessage
	Method  string
	Params  json.RawMessage

	hasID     bool
	badID     bool
	badMethod bool
}

// IsNotification reports whether the message carried no "id" member.
func (r *Request) IsNotification() bool { return !r.hasID }

// responseID is the id echoed in the response; ids of an illegal type are
// answered with null since they cannot be echoed faithfully.
func (r *Request) responseID() json.RawMessage {
	if !r.hasID || r.badID || len(r.ID) == 0 {
		return nullID
	}
	return r.ID
}

// Validate checks the envelope members the dispatcher relies on.
func (r *Request) Validate() *Error {
	switch {
	case r.JSONRPC != jsonrpcVersion:
		return Errorf(CodeInvalidRequest, "jsonrpc must be %q", jsonrpcVersion)
	case r.badID:
		return Errorf(CodeInvalidRequest, "id must be a string, a number or null")
	case r.badMethod || r.Method == "":
		return Errorf(CodeInvalidRequest, "method must be a non-empty string")
	}
	return nil
}

// DecodeRequest parses one complete JSON document. A document that is not
// JSON yields a parse error; any JSON value other than an object yields an
// invalid-request error.
func DecodeRequest(data []byte) (*Request, *Error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil, Errorf(CodeParseError, "invalid JSON received by server")
	}
	if data[0] != '{' {
		return nil, Errorf(CodeInvalidRequest, "request must be a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, Errorf(CodeParseError, "%v", err)
	}

	req := &Request{Params: fields["params"]}
	if raw, ok := fields["jsonrpc"]; ok {
		_ = json.Unmarshal(raw, &req.JSONRPC)
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &req.Method); err != nil {
			req.badMethod = true
		}
	} else {
		req.badMethod = true
	}
	if raw, ok := fields["id"]; ok {
		req.hasID = true
		req.ID = raw
		req.badID = !validID(raw)
	}
	return req, nil
}

func validID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"', c == 'n', c == '-', c >= '0' && c <= '9':
		return true
	}
	return false
}

// Response carries exactly one of Result or Error plus the echoed id.
type Response struct {
	ID     json.RawMessage
	Result any
	Error  *Error
}

// MarshalJSON always emits "jsonrpc" and "id", and exactly one of "result"
// or "error"; a nil success result is encoded as an empty object.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = nullID
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{jsonrpcVersion, id, r.Error})
	}
	result := r.Result
	if result == nil {
		result = struct{}{}
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{jsonrpcVersion, id, result})
}

// Error is a JSON-RPC error object. It doubles as a Go error so handlers can
// pick the protocol code reported for their failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// NewError builds an error object; an empty message is replaced by the
// standard text for the code.
func NewError(code int, message string, data any) *Error {
	if message == "" {
		message = codeMessages[code]
	}
	return &Error{Code: code, Message: message, Data: data}
}

// Errorf builds an error object with the standard message for code and a
// formatted detail in Data.
func Errorf(code int, format string, args ...any) *Error {
	return NewError(code, "", fmt.Sprintf(format, args...))
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// decodeParams unmarshals object params into dst.
func decodeParams[T any](raw []byte, dst *T) *Error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullID) {
		return Errorf(CodeInvalidParams, "missing params")
	}
	if raw[0] != '{' {
		return Errorf(CodeInvalidParams, "params must be an object")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return Errorf(CodeInvalidParams, "%v", err)
	}
	return nil
}
