// Package status holds the result model shared by every adapter operation.
//
// Each operation returns one Result synchronously. Asynchronous operations
// later deliver a second Result inside the response envelope or through the
// error callback.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a status code surfaced to the calling application.
type Code uint32

const (
	OK Code = iota
	ErrorCode
	ParamInvalid
	StateInvalid
	Timeout
	StackError
	ServerStarted
	StopServer
	ClientStarted
	StopClient
	Connected
	Disconnected
)

var codeNames = map[Code]string{
	OK:            "STATUS_OK",
	ErrorCode:     "STATUS_ERROR",
	ParamInvalid:  "STATUS_PARAM_INVALID",
	StateInvalid:  "STATUS_STATE_INVALID",
	Timeout:       "STATUS_TIMEOUT",
	StackError:    "STATUS_STACK_ERROR",
	ServerStarted: "STATUS_SERVER_STARTED",
	StopServer:    "STATUS_STOP_SERVER",
	ClientStarted: "STATUS_CLIENT_STARTED",
	StopClient:    "STATUS_STOP_CLIENT",
	Connected:     "STATUS_CONNECTED",
	Disconnected:  "STATUS_DISCONNECTED",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("STATUS_UNKNOWN(%d)", uint32(c))
}

// MarshalText renders the code by name so JSON payloads stay readable.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Code) UnmarshalText(b []byte) error {
	for code, name := range codeNames {
		if name == string(b) {
			*c = code
			return nil
		}
	}
	return errors.Errorf("unknown status code %q", string(b))
}

// Result is the outcome of one operation.
type Result struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`

	// StackStatus is the protocol stack's own status code, when the
	// failure originated there.
	StackStatus uint32 `json:"stack_status,omitempty"`
}

// IsOK reports whether the result is STATUS_OK.
func (r Result) IsOK() bool {
	return r.Code == OK
}

func (r Result) String() string {
	if r.Message == "" {
		return r.Code.String()
	}
	return r.Code.String() + ": " + r.Message
}

// Err returns nil for an OK result and an *Error otherwise.
func (r Result) Err() error {
	if r.IsOK() {
		return nil
	}
	return &Error{Kind: kindOf(r.Code), Code: r.Code, Msg: r.Message, StackStatus: r.StackStatus}
}

// Success returns an OK result.
func Success() Result {
	return Result{Code: OK}
}

// Of returns a result with the given code and formatted message.
func Of(code Code, format string, args ...interface{}) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Invalid returns a STATUS_PARAM_INVALID result.
func Invalid(format string, args ...interface{}) Result {
	return Of(ParamInvalid, format, args...)
}
