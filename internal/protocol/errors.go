package protocol

import (
	"errors"
	"fmt"

	"github.com/bigbes/netmeter/internal/settings"
)

// Kind classifies a protocol error.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindUnauthorized   Kind = "unauthorized"
	KindValidation     Kind = "validation"
	KindInternal       Kind = "internal"
)

// Wire messages for errors without a more specific text.
const (
	MsgInvalidRequest = "invalid request format"
	MsgUnauthorized   = "unauthorized action"
	MsgInternal       = "internal error"
)

// Error is returned to clients as {"error": Message}.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewInvalidRequest reports a malformed message.
func NewInvalidRequest(cause error) *Error {
	return &Error{Kind: KindInvalidRequest, Message: MsgInvalidRequest, Err: cause}
}

// NewUnauthorized reports an action outside the allow-list.
func NewUnauthorized(action string) *Error {
	return &Error{Kind: KindUnauthorized, Message: MsgUnauthorized, Err: fmt.Errorf("action %q", truncate(action, 64))}
}

// NewValidation reports a rejected field value. The message names the
// setting that was rejected.
func NewValidation(cause error) *Error {
	msg := "invalid value"
	for _, sentinel := range []error{
		settings.ErrInvalidMode,
		settings.ErrInvalidUnit,
		settings.ErrInvalidTheme,
		settings.ErrInvalidInterval,
	} {
		if errors.Is(cause, sentinel) {
			msg = sentinel.Error()
			break
		}
	}
	return &Error{Kind: KindValidation, Message: msg, Err: cause}
}

// NewInternal hides cause behind a generic message.
func NewInternal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: MsgInternal, Err: cause}
}

// AsError converts any error into a protocol error. Settings validation
// failures become validation errors; anything else is internal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	for _, sentinel := range []error{
		settings.ErrInvalidMode,
		settings.ErrInvalidUnit,
		settings.ErrInvalidTheme,
		settings.ErrInvalidInterval,
	} {
		if errors.Is(err, sentinel) {
			return NewValidation(err)
		}
	}
	return NewInternal(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
