// Package relayerr defines the canonical relay error kinds and their
// retry/propagation semantics.
package relayerr

import "fmt"

// Kind is the canonical error classification used by the scheduler, stream
// processor, poller, and billing layers.
type Kind string

const (
	// KindInvalidRequest is a syntactic or schema violation; 4xx, not retried.
	KindInvalidRequest Kind = "invalid_request"
	// KindEmbeddedError is an upstream error body delivered under HTTP 200;
	// the scheduler advances to the next candidate.
	KindEmbeddedError Kind = "embedded_error"
	// KindProviderNotAvailable covers HTML bodies (misconfigured base URL)
	// and 5xx; retryable across candidates.
	KindProviderNotAvailable Kind = "provider_not_available"
	// KindClientDisconnected is terminal for the request; status 499.
	KindClientDisconnected Kind = "client_disconnected"
	// KindPollPermanent marks a video poll failure that will never succeed.
	KindPollPermanent Kind = "poll_permanent_error"
	// KindPollTimeout fires when the poll budget is exhausted without a
	// terminal upstream state.
	KindPollTimeout Kind = "poll_timeout"
	// KindDecryption is a credential configuration fault.
	KindDecryption Kind = "decryption_error"
	// KindMissingProviderInfo is a task referencing deleted provider state.
	KindMissingProviderInfo Kind = "missing_provider_info"
	// KindMissingExternalTaskId is a submitted task without an upstream id.
	KindMissingExternalTaskId Kind = "missing_external_task_id"
	// KindBillingIncomplete fires under strict mode when required billing
	// dimensions are missing.
	KindBillingIncomplete Kind = "billing_incomplete"
)

// Error is a classified relay error.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Status     string
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s (%s, status %d): %s", e.Kind, e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the scheduler may advance to the next candidate.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindEmbeddedError, KindProviderNotAvailable:
		return true
	}
	return false
}

// New builds a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Embedded builds an embedded_error carrying the upstream provider identity.
func Embedded(provider string, code int, message, status string) *Error {
	return &Error{Kind: KindEmbeddedError, Provider: provider, StatusCode: code, Message: message, Status: status}
}

// NotAvailable builds a provider_not_available error.
func NotAvailable(message string) *Error {
	return &Error{Kind: KindProviderNotAvailable, StatusCode: 502, Message: message}
}

// ClientDisconnected builds the terminal 499 error.
func ClientDisconnected() *Error {
	return &Error{Kind: KindClientDisconnected, StatusCode: 499, Message: "client disconnected"}
}

// AsError extracts a classified error, or nil when err is not one.
func AsError(err error) *Error {
	var e *Error
	if err == nil {
		return nil
	}
	if ok := asErr(err, &e); ok {
		return e
	}
	return nil
}

func asErr(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
