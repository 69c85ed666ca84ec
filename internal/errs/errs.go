package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the control plane's error classes.
// The class decides propagation: config errors abort startup, upstream and
// retriable chain errors are retried, consensus errors degrade to hold,
// state errors are fatal for the affected message only.
type Kind string

const (
	KindConfig    Kind = "config"
	KindUpstream  Kind = "upstream"
	KindChain     Kind = "chain"
	KindConsensus Kind = "consensus"
	KindState     Kind = "state"
	KindCancelled Kind = "cancelled"
)

// Process exit codes for the CLI surface.
const (
	ExitOK       = 0
	ExitConfig   = 2
	ExitUpstream = 3
	ExitInternal = 4
)

// Error is a classified control plane error. Reason is a short
// human-readable string safe to surface in history records and the
// status API; no stack traces or internal detail leave the process.
type Error struct {
	Kind      Kind
	Retriable bool
	Reason    string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Config reports an invalid or missing configuration value. Fatal at startup.
func Config(format string, args ...interface{}) error {
	return &Error{Kind: KindConfig, Reason: fmt.Sprintf(format, args...)}
}

// Upstream reports an external HTTP/API failure after retries were exhausted.
func Upstream(reason string, err error) error {
	return &Error{Kind: KindUpstream, Retriable: true, Reason: reason, Err: err}
}

// UpstreamFatal reports an upstream failure that retrying cannot fix,
// such as a 4xx response.
func UpstreamFatal(reason string, err error) error {
	return &Error{Kind: KindUpstream, Retriable: false, Reason: reason, Err: err}
}

// Chain reports an on-chain RPC or contract failure. The retriable flag
// separates transient RPC trouble from terminal reverts.
func Chain(reason string, err error, retriable bool) error {
	return &Error{Kind: KindChain, Retriable: retriable, Reason: reason, Err: err}
}

// Consensus reports that no decision could be reached; callers treat it as hold.
func Consensus(format string, args ...interface{}) error {
	return &Error{Kind: KindConsensus, Reason: fmt.Sprintf(format, args...)}
}

// State reports an illegal message state transition. Fatal per message.
func State(format string, args ...interface{}) error {
	return &Error{Kind: KindState, Reason: fmt.Sprintf(format, args...)}
}

// Cancelled reports caller cancellation or deadline expiry.
func Cancelled(err error) error {
	return &Error{Kind: KindCancelled, Reason: "operation cancelled", Err: err}
}

// FromContext converts a context error into a CancelledError, passing
// other errors through unchanged.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled(err)
	}
	return err
}

// KindOf returns the classification of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetriable reports whether err may be retried. Unclassified errors
// are not retried.
func IsRetriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable
	}
	return false
}

// ReasonOf returns the short reason string for history records. For
// unclassified errors the error text itself is used.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}

// ExitCode maps an error to the process exit code contract:
// 0 success, 2 configuration error, 3 upstream unavailable, 4 fatal internal.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfig:
		return ExitConfig
	case KindUpstream:
		return ExitUpstream
	default:
		return ExitInternal
	}
}
