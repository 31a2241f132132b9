package model

import (
	"errors"
	"fmt"
)

// CodedError tags an error with its taxonomy code so it can cross the
// worker result channel. Fatal invariant violations travel this way
// instead of through ambient process state.
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Coded wraps an error with a taxonomy code.
func Coded(code ErrorCode, format string, args ...any) error {
	return &CodedError{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the taxonomy code from an error chain. Untagged
// errors default to ServerError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ServerError
}
