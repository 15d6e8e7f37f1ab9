// Package xerrors implements the error-kind taxonomy of spec.md §7:
// Permission, NotFound, Exists, Invalid, NotSupported, OutOfMemory,
// TryAgain, MessageTooBig. Kinds are distinguished with errors.Is; the
// underlying stack is carried by github.com/pkg/errors the way the
// teacher's cmn.NewErrXactUsePrev/cmn.NewErrAborted constructors wrap an
// inner cause with a descriptive outer one.
package xerrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	PermissionKind
	NotFoundKind
	ExistsKind
	InvalidKind
	NotSupportedKind
	OutOfMemoryKind
	TryAgainKind
	MessageTooBigKind
)

func (k Kind) String() string {
	switch k {
	case PermissionKind:
		return "permission"
	case NotFoundKind:
		return "not-found"
	case ExistsKind:
		return "exists"
	case InvalidKind:
		return "invalid"
	case NotSupportedKind:
		return "not-supported"
	case OutOfMemoryKind:
		return "out-of-memory"
	case TryAgainKind:
		return "try-again"
	case MessageTooBigKind:
		return "message-too-big"
	default:
		return "unknown"
	}
}

// KindError is the concrete error type; Kind() lets callers branch on
// taxonomy without string matching, and Unwrap() exposes the
// pkg/errors-wrapped cause (and its stack) for logging.
type KindError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *KindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *KindError) Unwrap() error { return e.cause }
func (e *KindError) Kind() Kind    { return e.kind }

func new_(k Kind, msg string) error {
	return &KindError{kind: k, msg: msg, cause: pkgerrors.New(msg)}
}

func wrap_(k Kind, msg string, cause error) error {
	if cause == nil {
		return new_(k, msg)
	}
	return &KindError{kind: k, msg: msg, cause: pkgerrors.Wrap(cause, msg)}
}

func Permission(msg string) error       { return new_(PermissionKind, msg) }
func NotFound(msg string) error         { return new_(NotFoundKind, msg) }
func Exists(msg string) error           { return new_(ExistsKind, msg) }
func Invalid(msg string) error          { return new_(InvalidKind, msg) }
func NotSupported(msg string) error     { return new_(NotSupportedKind, msg) }
func OutOfMemory(msg string) error      { return new_(OutOfMemoryKind, msg) }
func TryAgain(msg string) error         { return new_(TryAgainKind, msg) }
func MessageTooBig(msg string) error    { return new_(MessageTooBigKind, msg) }

func Wrap(k Kind, msg string, cause error) error { return wrap_(k, msg, cause) }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, k Kind) bool {
	var ke *KindError
	for err != nil {
		if errors.As(err, &ke) {
			if ke.kind == k {
				return true
			}
			err = ke.cause
			continue
		}
		return false
	}
	return false
}

// IsTryAgain is a convenience used pervasively by the replay loop
// (spec.md §4.7 "Replay protocol"): TryAgain must never leak to a user
// response, only ever drive a restart.
func IsTryAgain(err error) bool { return Is(err, TryAgainKind) }
