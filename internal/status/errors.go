package status

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure.
type Kind int

const (
	// KindParamInvalid is malformed, ill-typed or unresolvable input,
	// detected before any protocol call.
	KindParamInvalid Kind = iota + 1
	// KindProtocol is a rejection by the protocol stack.
	KindProtocol
	// KindTimeout is no completion within the request timeout.
	KindTimeout
	// KindState is an operation invalid for the current session or
	// subscription state.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindParamInvalid:
		return "param-invalid"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindState:
		return "state"
	}
	return "unknown"
}

// Error is the error form of a non-OK Result.
type Error struct {
	Kind        Kind
	Code        Code
	Msg         string
	StackStatus uint32
}

func (e *Error) Error() string {
	if e.StackStatus != 0 {
		return fmt.Sprintf("%s: %s (stack status 0x%08X)", e.Code, e.Msg, e.StackStatus)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Result converts the error back to a Result.
func (e *Error) Result() Result {
	return Result{Code: e.Code, Message: e.Msg, StackStatus: e.StackStatus}
}

// StackStatuser is implemented by stack errors that carry a numeric status.
type StackStatuser interface {
	StackStatus() uint32
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: codeOf(kind), Msg: fmt.Sprintf(format, args...)}
}

// ParamError is shorthand for a KindParamInvalid error.
func ParamError(format string, args ...interface{}) *Error {
	return NewError(KindParamInvalid, format, args...)
}

// StateError is shorthand for a KindState error.
func StateError(format string, args ...interface{}) *Error {
	return NewError(KindState, format, args...)
}

// FromError translates any error into a Result. Errors that are not already
// an *Error are treated as protocol failures; context deadlines become
// timeouts.
func FromError(err error) Result {
	if err == nil {
		return Success()
	}
	var se *Error
	if errors.As(err, &se) {
		r := se.Result()
		if msg := err.Error(); msg != se.Error() {
			r.Message = msg
		}
		return r
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Code: Timeout, Message: err.Error()}
	}
	r := Result{Code: StackError, Message: err.Error()}
	var ss StackStatuser
	if errors.As(err, &ss) {
		r.StackStatus = ss.StackStatus()
	}
	return r
}

// KindOf reports the kind of err, or 0 when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	return kindOf(FromError(err).Code)
}

func codeOf(k Kind) Code {
	switch k {
	case KindParamInvalid:
		return ParamInvalid
	case KindTimeout:
		return Timeout
	case KindState:
		return StateInvalid
	}
	return StackError
}

func kindOf(c Code) Kind {
	switch c {
	case ParamInvalid:
		return KindParamInvalid
	case Timeout:
		return KindTimeout
	case StateInvalid:
		return KindState
	}
	return KindProtocol
}
