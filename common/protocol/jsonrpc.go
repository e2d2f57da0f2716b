// Package protocol defines the wire objects exchanged over the bus: JSON-RPC
// envelopes, agent-to-agent messages with typed parts, tasks, the workflow
// node request/result payloads, agent cards, and the topic naming scheme.
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const (
	// JSONRPCVersion is the protocol version stamped on every envelope.
	JSONRPCVersion = "2.0"

	// MethodSend is the only method the executor speaks.
	MethodSend = "send"
)

// Request is a JSON-RPC request envelope carrying a message send.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  *RequestParams `json:"params,omitempty"`
}

// RequestParams holds the message being sent.
type RequestParams struct {
	Message *Message `json:"message,omitempty"`
}

// NewRequest builds a send request with the given id and message.
func NewRequest(id string, msg *Message) *Request {
	return &Request{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  MethodSend,
		Params:  &RequestParams{Message: msg},
	}
}

// Response is a JSON-RPC response envelope; Result carries a Task.
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Result  *Task          `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError is the JSON-RPC error member.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewResponse builds a success response wrapping a task.
func NewResponse(id any, task *Task) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  task,
	}
}

// ParseRequest decodes a request envelope.
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed jsonrpc request: %w", err)
	}
	return &req, nil
}

// ParseResponse decodes a response envelope.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed jsonrpc response: %w", err)
	}
	return &resp, nil
}

// IDString normalizes a JSON-RPC id to a string. Numeric ids decode as
// float64; integers lose the fraction marker.
func IDString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
