package chat

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers and tests.
// Kind is always one of the sentinel kinds; Msg is human-readable context and never carries message text.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// NewError builds an OpError.
func NewError(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// NotFound is shorthand for a missing conversation.
func NotFound(op, conversationID string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: "conversation " + conversationID}
}

// PublicMessage returns a description of err that is safe to show callers.
// Errors without a known kind never leak their text.
func PublicMessage(err error) string {
	code := Code(err)
	if code == "internal" {
		return "internal error"
	}
	var oe OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return code
}
