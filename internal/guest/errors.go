package guest

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindProof      Kind = "proof"
	KindContention Kind = "contention"
	KindSecurity   Kind = "security"
	KindTransient  Kind = "transient"
)

// Error is a typed guest-facing failure. Code is the reason recorded for the
// attempt; the transport decides how much of it the guest sees.
type Error struct {
	Code string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the guest may simply try again.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

func newError(kind Kind, code string, err error) *Error {
	return &Error{Code: code, Kind: kind, Err: err}
}

func validation(code string) *Error { return newError(KindValidation, code, nil) }
func proof(code string) *Error      { return newError(KindProof, code, nil) }
func contention(code string) *Error { return newError(KindContention, code, nil) }
func security(code string) *Error   { return newError(KindSecurity, code, nil) }

func transient(code string, err error) *Error {
	return newError(KindTransient, code, err)
}

// AsError unwraps err into a guest error. Anything untyped is reported as a
// transient internal failure.
func AsError(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return transient("internal_error", err)
}
