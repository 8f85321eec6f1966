package host

import (
	"fmt"
	"strings"
)

// ErrorKind is the failure taxonomy for remote calls. Callers use it to
// distinguish "target is gone, give up" from "target is broken, escalate".
type ErrorKind string

const (
	// KindClosed means the tab, frame, or port no longer exists.
	// Recoverable by the caller; never retried internally.
	KindClosed ErrorKind = "closed"
	// KindCrashed means the target process died.
	KindCrashed ErrorKind = "crashed"
	// KindGeneric is everything else, message preserved verbatim.
	KindGeneric ErrorKind = "generic"
)

// ProtocolError is a classified failure from a host call. Method names the
// originating operation for diagnostics.
type ProtocolError struct {
	Kind    ErrorKind
	Method  string
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Method, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Phrases the host emits when the target of a call has gone away between
// enumeration and use. Matched case-insensitively as substrings.
var closedPhrases = []string{
	"no tab with id",
	"no frame with id",
	"the tab was closed",
	"tab was discarded",
	"the frame was removed",
	"receiving end does not exist",
	"message port closed",
	"port closed",
	"context invalidated",
	"cannot access contents of the page",
}

var crashedPhrases = []string{
	"tab crashed",
	"target crashed",
	"render process gone",
}

// Classify converts a raw failure message from the host into a typed
// *ProtocolError carrying the originating method name.
func Classify(method, message string) *ProtocolError {
	lower := strings.ToLower(message)
	for _, p := range crashedPhrases {
		if strings.Contains(lower, p) {
			return &ProtocolError{Kind: KindCrashed, Method: method, Message: message}
		}
	}
	for _, p := range closedPhrases {
		if strings.Contains(lower, p) {
			return &ProtocolError{Kind: KindClosed, Method: method, Message: message}
		}
	}
	return &ProtocolError{Kind: KindGeneric, Method: method, Message: message}
}

// ClassifyErr wraps a Go-side error (transport failure, cancelled context)
// the same way remote failures are classified.
func ClassifyErr(method string, err error) *ProtocolError {
	pe := Classify(method, err.Error())
	pe.Cause = err
	return pe
}
