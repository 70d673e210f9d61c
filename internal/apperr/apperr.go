// Package apperr is the user-facing error taxonomy.
//
// Components return *Error values carrying a Kind; the CLI boundary turns
// them into one short fixed message with UserMessage. Causes stay attached
// for logs and errors.Is/As, but never reach the user.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// Denied: the user refused notification permission.
	Denied Kind = "denied"
	// Unavailable: the host has no notification or background capability.
	Unavailable Kind = "unavailable"
	// ProviderError: the token issuer failed while acquiring an address.
	ProviderError Kind = "provider_error"
	// NoAddress: a send was requested but no address is stored.
	NoAddress Kind = "no_address"
	// TransportError: the delivery service could not be reached; retry later.
	TransportError Kind = "transport_error"
	// ProviderRejected: the delivery service refused the address.
	ProviderRejected Kind = "provider_rejected"
)

var messages = map[Kind]string{
	Denied:           "Notifications are blocked. Allow them in your settings to get reminders.",
	Unavailable:      "Notifications are not supported here.",
	ProviderError:    "Could not set up notifications. Please try again.",
	NoAddress:        "Notifications are not set up yet. Enable them first.",
	TransportError:   "Could not reach the notification service. Please try again later.",
	ProviderRejected: "This device is no longer registered. Please enable notifications again.",
}

const unknownMessage = "Something went wrong."

type Error struct {
	Kind Kind
	Op   string
	// Detail is a provider-supplied reason (e.g. the delivery service's error
	// string); kept for logs only.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.E(Denied))
// and errors.Is(err, ErrDenied) both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrDenied           = &Error{Kind: Denied}
	ErrUnavailable      = &Error{Kind: Unavailable}
	ErrProviderError    = &Error{Kind: ProviderError}
	ErrNoAddress        = &Error{Kind: NoAddress}
	ErrTransportError   = &Error{Kind: TransportError}
	ErrProviderRejected = &Error{Kind: ProviderRejected}
)

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is formatted.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// UserMessage maps err to the short fixed message shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if m, ok := messages[KindOf(err)]; ok {
		return m
	}
	return unknownMessage
}
