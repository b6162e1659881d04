// Package apperr classifies pipeline failures so the delivery boundary can
// decide between redelivery, alerting and dropping an event.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure.
type Kind string

const (
	// KindConfiguration is a missing or invalid setting. Redelivery cannot help until it is fixed.
	KindConfiguration Kind = "CONFIGURATION"

	// KindUpstreamInvocation is a rejected call to the extraction engine, the decision
	// engine, the event bus or the notification topic.
	KindUpstreamInvocation Kind = "UPSTREAM_INVOCATION"

	// KindNotFound is an absent Job Record or result object.
	KindNotFound Kind = "NOT_FOUND"

	// KindAlreadyFinalized is a duplicate completion detected by the conditional update.
	KindAlreadyFinalized Kind = "ALREADY_FINALIZED"

	// KindMalformedPayload is an event or result object that does not match its expected shape.
	KindMalformedPayload Kind = "MALFORMED_PAYLOAD"
)

// Error is a classified failure raised at a named operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error with a message and a cause.
func Wrap(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether redelivering the same event may succeed.
// Configuration and payload-shape failures are permanent; everything else,
// including unclassified errors, is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindConfiguration, KindMalformedPayload, KindAlreadyFinalized:
		return false
	}
	return true
}
