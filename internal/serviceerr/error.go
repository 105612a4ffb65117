// Package serviceerr defines the coded error shared by the service packages.
package serviceerr

import (
	"errors"
	"fmt"
)

// Error carries a stable "<operation>.<reason>" code alongside its cause.
type Error struct {
	code string
	err  error
}

// New builds an *Error with the code "<operation>.<reason>".
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *Error) Code() string {
	return e.code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.code
	}
	return ""
}
