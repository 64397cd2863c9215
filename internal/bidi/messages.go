// File: internal/bidi/messages.go
package bidi

import (
	"encoding/json"
	"fmt"
)

// Message type discriminators used by the WebDriver BiDi wire format.
const (
	typeSuccess = "success"
	typeError   = "error"
	typeEvent   = "event"
)

// Standard WebDriver error codes the client reacts to. The remote side may
// emit any code; these are the ones with dedicated handling.
const (
	CodeNoSuchElement   = "no such element"
	CodeTimeout         = "timeout"
	CodeInvalidArgument = "invalid argument"
	CodeUnknownCommand  = "unknown command"
	CodeUnknownError    = "unknown error"
)

// command is an outgoing BiDi command frame.
type command struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// message is an incoming BiDi frame: a command response (success or error)
// or an out-of-band event.
type message struct {
	Type   string          `json:"type"`
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	// Message carries the human-readable error description.
	Message string          `json:"message,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ProtocolError is a remote-side command rejection. Code is the WebDriver
// error code string from the wire.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("bidi: %s: %s", e.Code, e.Message)
}

// ErrorResponse builds the wire form of an error response for a command id.
// Used by the remote side when answering intercepted commands.
func ErrorResponse(id int64, code, msg string) ([]byte, error) {
	return jsonAPI.Marshal(message{
		Type:    typeError,
		ID:      &id,
		Error:   code,
		Message: msg,
	})
}

// SuccessResponse builds the wire form of a success response for a command id.
func SuccessResponse(id int64, result any) ([]byte, error) {
	raw, err := jsonAPI.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return jsonAPI.Marshal(message{
		Type:   typeSuccess,
		ID:     &id,
		Result: raw,
	})
}
