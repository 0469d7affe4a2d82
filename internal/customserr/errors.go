// Package customserr defines the error kinds returned at every component boundary of the
// authentication and declaration core, so callers can branch on kind instead of messages.
package customserr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindCertificate Kind = "certificate"
	KindSigning     Kind = "signing"
	KindTransport   Kind = "transport"
	KindProtocol    Kind = "protocol"
	KindState       Kind = "state"
)

// Error is a structured error carrying its kind and, for remote faults, the verbatim fault.
type Error struct {
	kind    Kind
	message string

	// faultCode and faultString are copied untouched from a remote SOAP fault
	faultCode   string
	faultString string

	// failures holds every strategy failure of a SigningError
	failures []error

	// subjects names the offending tracks or transactions of a StateError
	subjects []string

	wrapped error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.kind))
	b.WriteString(": ")
	b.WriteString(e.message)
	if e.faultCode != "" || e.faultString != "" {
		fmt.Fprintf(&b, " (fault %s: %s)", e.faultCode, e.faultString)
	}
	if len(e.subjects) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.subjects, ", "))
	}
	for _, f := range e.failures {
		fmt.Fprintf(&b, "; %v", f)
	}
	if e.wrapped != nil {
		fmt.Fprintf(&b, ": %v", e.wrapped)
	}
	return b.String()
}

func (e *Error) Kind() Kind { return e.kind }
func (e *Error) Message() string { return e.message }
func (e *Error) FaultCode() string { return e.faultCode }
func (e *Error) FaultString() string { return e.faultString }
func (e *Error) Failures() []error { return e.failures }
func (e *Error) Subjects() []string { return e.subjects }
func (e *Error) Unwrap() error { return e.wrapped }
func (e *Error) IsRemoteFault() bool { return e.faultCode != "" || e.faultString != "" }

// NewCertificateError is returned for unreadable containers, bad passwords, expired leaves
// and broken chains.
func NewCertificateError(msg string) error {
	return &Error{kind: KindCertificate, message: msg}
}

func WrapCertificateError(err error, msg string) error {
	return &Error{kind: KindCertificate, message: msg, wrapped: err}
}

// NewSigningError is returned once every signing strategy failed; failures keeps them all.
func NewSigningError(msg string, failures []error) error {
	return &Error{kind: KindSigning, message: msg, failures: failures}
}

func WrapTransportError(err error, msg string) error {
	return &Error{kind: KindTransport, message: msg, wrapped: err}
}

func NewProtocolError(msg string) error {
	return &Error{kind: KindProtocol, message: msg}
}

func WrapProtocolError(err error, msg string) error {
	return &Error{kind: KindProtocol, message: msg, wrapped: err}
}

// NewRemoteFault is a ProtocolError reported by the remote side itself.
func NewRemoteFault(code, faultString string) error {
	return &Error{kind: KindProtocol, message: "remote fault", faultCode: code, faultString: faultString}
}

// NewStateError names the offending subjects, e.g. track numbers or "transaction 42".
func NewStateError(msg string, subjects ...string) error {
	return &Error{kind: KindState, message: msg, subjects: subjects}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether a declaration attempt that failed with err may be retried.
// Transport errors and remote-side protocol errors are. A malformed or empty response is
// terminal like everything else.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.kind {
	case KindTransport:
		return true
	case KindProtocol:
		return e.IsRemoteFault()
	}
	return false
}

// Fault returns the verbatim remote fault of err, if any.
func Fault(err error) (code, faultString string, ok bool) {
	var e *Error
	if errors.As(err, &e) && e.IsRemoteFault() {
		return e.faultCode, e.faultString, true
	}
	return "", "", false
}
