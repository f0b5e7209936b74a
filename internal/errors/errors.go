package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure by how the pipeline reacts to it.
type Kind string

const (
	KindCollector     Kind = "COLLECTOR"      // source skipped, run continues
	KindGateway       Kind = "GATEWAY"        // mutation phase aborted, nothing committed
	KindRoutingParse  Kind = "ROUTING_PARSE"  // batch left unrouted
	KindActionHandler Kind = "ACTION_HANDLER" // isolated to one action
	KindStore         Kind = "STORE"          // fatal to the run
	KindConfig        Kind = "CONFIG"
	KindLocked        Kind = "LOCKED"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Collector reports a collector that exited non-zero or could not be started.
func Collector(source string, err error) *Error {
	return &Error{Kind: KindCollector, Op: source, Err: err}
}

// Gateway reports an LLM transport failure after retries.
func Gateway(op string, err error) *Error {
	return &Error{Kind: KindGateway, Op: op, Err: err}
}

// RoutingParse reports a routing response that never validated.
func RoutingParse(attempts int, err error) *Error {
	return &Error{
		Kind:    KindRoutingParse,
		Op:      "route",
		Message: fmt.Sprintf("no valid response after %d attempts", attempts),
		Err:     err,
	}
}

// ActionHandler reports a failed handler for a single action.
func ActionHandler(action string, err error) *Error {
	return &Error{Kind: KindActionHandler, Op: action, Err: err}
}

// Store reports a persistence failure.
func Store(op string, err error) *Error {
	return &Error{Kind: KindStore, Op: op, Err: err}
}

// Config reports an invalid configuration or action registry.
func Config(msg string) *Error {
	return &Error{Kind: KindConfig, Message: msg}
}

// Locked reports that another run holds the instance lock.
func Locked(holder string) *Error {
	return &Error{
		Kind:    KindLocked,
		Message: fmt.Sprintf("instance locked by run %s", holder),
	}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}
