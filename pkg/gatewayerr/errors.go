// Package gatewayerr implements the error taxonomy from spec.md section 7 as
// a small closed set of typed errors, replacing the upstream's use of
// exceptions as admission/validation control flow (spec.md section 9).
// Callers use errors.As to recover the Kind and decide how to translate it
// at their protocol boundary (DIMSE status code, HTTP problem response,
// STOW-RS failure reason).
package gatewayerr

import "fmt"

// Kind classifies an Error into one of the taxonomy buckets from spec.md
// section 7.
type Kind int

const (
	KindAdmission Kind = iota
	KindValidation
	KindTransient
	KindTerminal
	KindConfiguration
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAdmission:
		return "admission"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindConfiguration:
		return "configuration"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the typed error every core component returns instead of raising
// an exception. Op names the failing operation for structured logging.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Admission(op string, err error) *Error     { return New(KindAdmission, op, err) }
func Validation(op string, err error) *Error    { return New(KindValidation, op, err) }
func Transient(op string, err error) *Error     { return New(KindTransient, op, err) }
func Terminal(op string, err error) *Error      { return New(KindTerminal, op, err) }
func Configuration(op string, err error) *Error { return New(KindConfiguration, op, err) }
func Protocol(op string, err error) *Error      { return New(KindProtocol, op, err) }

// Is reports whether err is a gatewayerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as is a tiny local indirection so this package doesn't need to import
// errors twice for both New and Is; kept for readability at call sites.
func as(err error, target **Error) bool {
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
